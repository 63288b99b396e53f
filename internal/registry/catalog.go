package registry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/resilience"
	"github.com/openpolicy/civicsync/internal/textnorm"
)

// provinces maps lower-case province and territory codes to their names.
var provinces = map[string]string{
	"ab": "Alberta",
	"bc": "British Columbia",
	"mb": "Manitoba",
	"nb": "New Brunswick",
	"nl": "Newfoundland and Labrador",
	"ns": "Nova Scotia",
	"nt": "Northwest Territories",
	"nu": "Nunavut",
	"on": "Ontario",
	"pe": "Prince Edward Island",
	"qc": "Quebec",
	"sk": "Saskatchewan",
	"yt": "Yukon",
}

// ProvinceName returns the full name for a two-letter code, or "".
func ProvinceName(code string) string {
	return provinces[strings.ToLower(code)]
}

type catalogFile struct {
	Jurisdictions []catalogEntry `yaml:"jurisdictions"`
}

type catalogEntry struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	Tier             string        `yaml:"tier"`
	DivisionID       string        `yaml:"division_id"`
	Province         string        `yaml:"province"`
	Endpoints        []string      `yaml:"endpoints"`
	Cadence          time.Duration `yaml:"cadence"`
	CourtesyInterval time.Duration `yaml:"courtesy_interval"`
	Collector        string        `yaml:"collector"`
	Enabled          *bool         `yaml:"enabled"`
}

// Load reads and validates a YAML jurisdiction catalog.
func Load(path string) ([]model.Jurisdiction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(resilience.ErrRegistry, "read catalog %s: %v", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML jurisdiction catalog. Every problem is
// a registry error; callers treat it as fatal at startup.
func Parse(data []byte) ([]model.Jurisdiction, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(resilience.ErrRegistry, "decode catalog: %v", err)
	}

	out := make([]model.Jurisdiction, 0, len(f.Jurisdictions))
	seen := make(map[string]bool, len(f.Jurisdictions))
	for i, e := range f.Jurisdictions {
		j, err := e.toJurisdiction()
		if err != nil {
			return nil, eris.Wrapf(resilience.ErrRegistry, "catalog entry %d (%q): %v", i, e.ID, err)
		}
		if seen[j.ID] {
			return nil, eris.Wrapf(resilience.ErrRegistry, "duplicate jurisdiction id %q", j.ID)
		}
		seen[j.ID] = true
		out = append(out, j)
	}
	return out, nil
}

func (e catalogEntry) toJurisdiction() (model.Jurisdiction, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return model.Jurisdiction{}, eris.New("id is required")
	}
	if strings.TrimSpace(e.Tier) == "" {
		return model.Jurisdiction{}, eris.New("tier is required")
	}
	tier, err := model.ParseTier(e.Tier)
	if err != nil {
		return model.Jurisdiction{}, err
	}

	province := strings.ToUpper(strings.TrimSpace(e.Province))
	if province != "" && ProvinceName(province) == "" {
		return model.Jurisdiction{}, eris.Errorf("unknown province %q", e.Province)
	}
	if tier != model.TierFederal && province == "" && e.DivisionID == "" {
		return model.Jurisdiction{}, eris.Errorf("%s jurisdiction needs a province or division_id", tier)
	}

	j := model.Jurisdiction{
		ID:               id,
		Name:             strings.TrimSpace(e.Name),
		Tier:             tier,
		DivisionID:       e.DivisionID,
		Province:         province,
		Endpoints:        e.Endpoints,
		Cadence:          e.Cadence,
		CourtesyInterval: e.CourtesyInterval,
		Collector:        e.Collector,
		Enabled:          e.Enabled == nil || *e.Enabled,
	}
	if j.Name == "" {
		j.Name = id
	}
	if j.Cadence <= 0 {
		j.Cadence = tier.DefaultCadence()
	}
	if j.DivisionID == "" {
		j.DivisionID = DivisionID(tier, province, j.Name)
	}
	return j, nil
}

// DivisionID builds the OpenCivicData division identifier for a jurisdiction.
func DivisionID(tier model.Tier, province, name string) string {
	const country = "ocd-division/country:ca"
	p := strings.ToLower(province)
	switch tier {
	case model.TierFederal:
		return country
	case model.TierProvincial:
		return fmt.Sprintf("%s/province:%s", country, p)
	default:
		return fmt.Sprintf("%s/province:%s/municipality:%s", country, p, slug(name))
	}
}

func slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range textnorm.Fold(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
