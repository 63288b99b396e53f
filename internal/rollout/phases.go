package rollout

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/openpolicy/civicsync/internal/model"
)

type phaseFile struct {
	Phases []model.RolloutPhase `yaml:"phases"`
}

// LoadPhases reads rollout phase definitions from a YAML file:
//
//	phases:
//	  - name: federal
//	    tiers: [federal]
//	    time_budget: 2h
//	    success_ratio: 0.9
func LoadPhases(path string) ([]model.RolloutPhase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rollout: read phases %s", path)
	}
	return ParsePhases(data)
}

// ParsePhases decodes and validates phase definitions.
func ParsePhases(data []byte) ([]model.RolloutPhase, error) {
	var f phaseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "rollout: decode phases")
	}
	if err := ValidatePhases(f.Phases); err != nil {
		return nil, err
	}
	return f.Phases, nil
}

// ValidatePhases checks a phase list: at least one phase, each well formed,
// names unique.
func ValidatePhases(phases []model.RolloutPhase) error {
	if len(phases) == 0 {
		return eris.New("rollout: no phases defined")
	}

	var problems []string
	seen := make(map[string]bool, len(phases))
	for _, p := range phases {
		problems = append(problems, p.Problems()...)
		if seen[p.Name] {
			problems = append(problems, "rollout phase "+p.Name+": duplicate name")
		}
		seen[p.Name] = true
	}
	if len(problems) > 0 {
		return eris.New("rollout: " + strings.Join(problems, "; "))
	}
	return nil
}
