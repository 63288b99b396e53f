package model

import (
	"fmt"
	"strings"
)

// RecordKind identifies the civic entity a scraped record describes.
type RecordKind string

const (
	KindBill           RecordKind = "bill"
	KindRepresentative RecordKind = "representative"
	KindCommittee      RecordKind = "committee"
	KindEvent          RecordKind = "event"
	KindVote           RecordKind = "vote"
)

// Record is one raw item returned by a collector. Fields carries the
// source-specific payload; typed views are available through Bill and
// Representative.
type Record struct {
	Kind       RecordKind     `json:"kind"`
	ExternalID string         `json:"external_id,omitempty"`
	SourceURL  string         `json:"source_url,omitempty"`
	Fields     map[string]any `json:"fields"`
}

// CollectorResult is the normalized output of one collector invocation.
type CollectorResult struct {
	Records []Record `json:"records"`
	Errors  []string `json:"errors,omitempty"`
}

// Key returns the stable identity used when persisting the record.
func (r Record) Key() string {
	if r.ExternalID != "" {
		return r.ExternalID
	}
	switch r.Kind {
	case KindBill:
		return r.str("number")
	case KindRepresentative:
		return r.str("name")
	default:
		return r.str("name")
	}
}

func (r Record) str(key string) string {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Bill is the typed view of a bill record.
type Bill struct {
	Number          string
	Title           string
	Summary         string
	Status          BillStatus
	PreviousStatus  BillStatus
	LegislativeBody string
}

// Bill returns the typed bill view of the record's fields.
func (r Record) Bill() Bill {
	return Bill{
		Number:          r.str("number"),
		Title:           r.str("title"),
		Summary:         r.str("summary"),
		Status:          BillStatus(strings.ToLower(r.str("status"))),
		PreviousStatus:  BillStatus(strings.ToLower(r.str("previous_status"))),
		LegislativeBody: r.str("legislative_body"),
	}
}

// Representative is the typed view of a representative record.
type Representative struct {
	Name     string
	Role     RepresentativeRole
	Party    string
	District string
	Email    string
}

// Representative returns the typed representative view of the record's fields.
func (r Record) Representative() Representative {
	return Representative{
		Name:     r.str("name"),
		Role:     RepresentativeRole(r.str("role")),
		Party:    r.str("party"),
		District: r.str("district"),
		Email:    r.str("email"),
	}
}

// BillStatus is a stage of the legislative process.
type BillStatus string

const (
	BillIntroduced    BillStatus = "introduced"
	BillFirstReading  BillStatus = "first_reading"
	BillSecondReading BillStatus = "second_reading"
	BillCommittee     BillStatus = "committee"
	BillThirdReading  BillStatus = "third_reading"
	BillPassed        BillStatus = "passed"
	BillRoyalAssent   BillStatus = "royal_assent"
	BillFailed        BillStatus = "failed"
	BillWithdrawn     BillStatus = "withdrawn"
)

var billStages = map[BillStatus]int{
	BillIntroduced:    0,
	BillFirstReading:  1,
	BillSecondReading: 2,
	BillCommittee:     3,
	BillThirdReading:  4,
	BillPassed:        5,
	BillRoyalAssent:   6,
}

// Known reports whether s is a recognized status.
func (s BillStatus) Known() bool {
	_, staged := billStages[s]
	return staged || s == BillFailed || s == BillWithdrawn
}

// Terminal reports whether the bill can no longer progress.
func (s BillStatus) Terminal() bool {
	return s == BillRoyalAssent || s == BillFailed || s == BillWithdrawn
}

// CanAdvance reports whether a bill may move from s to next under the
// monotonic legislative ordering. Staying in place is allowed; failed and
// withdrawn are reachable from any non-terminal stage.
func (s BillStatus) CanAdvance(next BillStatus) bool {
	if s == "" || s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == BillFailed || next == BillWithdrawn {
		return true
	}
	from, ok1 := billStages[s]
	to, ok2 := billStages[next]
	return ok1 && ok2 && to >= from
}

// RepresentativeRole is an elected office title.
type RepresentativeRole string

const (
	RoleMP         RepresentativeRole = "MP"
	RoleMPP        RepresentativeRole = "MPP"
	RoleMLA        RepresentativeRole = "MLA"
	RoleMNA        RepresentativeRole = "MNA"
	RoleMayor      RepresentativeRole = "Mayor"
	RoleCouncillor RepresentativeRole = "Councillor"
	RoleReeve      RepresentativeRole = "Reeve"
	RoleOther      RepresentativeRole = "Other"
)

// AllRoles returns every known role.
func AllRoles() []RepresentativeRole {
	return []RepresentativeRole{RoleMP, RoleMPP, RoleMLA, RoleMNA, RoleMayor, RoleCouncillor, RoleReeve, RoleOther}
}

// Tier returns the tier a role belongs to, or "" if the role fits any tier.
func (r RepresentativeRole) Tier() Tier {
	switch r {
	case RoleMP:
		return TierFederal
	case RoleMPP, RoleMLA, RoleMNA:
		return TierProvincial
	case RoleMayor, RoleCouncillor, RoleReeve:
		return TierMunicipal
	default:
		return ""
	}
}
