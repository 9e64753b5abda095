// Package metric finds the single measured-value column of a published table.
//
// Detection is two independent steps:
//   - ClassifyRoles excludes identifier and metadata columns by name.
//   - Score measures how numeric a candidate column is over a sample.
//
// Detector.Detect combines them: the best-scoring remaining column wins if
// its coverage reaches the threshold.
package metric

import "strings"

// Role is what a column is used for.
type Role int

const (
	RoleCandidate Role = iota
	RoleEntity
	RoleCode
	RoleYear
	RoleMetadata
)

func (r Role) String() string {
	switch r {
	case RoleEntity:
		return "entity"
	case RoleCode:
		return "code"
	case RoleYear:
		return "year"
	case RoleMetadata:
		return "metadata"
	default:
		return "candidate"
	}
}

var roleNames = map[string]Role{
	"entity":       RoleEntity,
	"entities":     RoleEntity,
	"country":      RoleEntity,
	"country_name": RoleEntity,
	"location":     RoleEntity,
	"name":         RoleEntity,

	"code":         RoleCode,
	"iso_code":     RoleCode,
	"iso3":         RoleCode,
	"iso_a3":       RoleCode,
	"iso_alpha3":   RoleCode,
	"country_code": RoleCode,

	"year": RoleYear,
	"date": RoleYear,
	"time": RoleYear,

	"entity_type":  RoleMetadata,
	"is_aggregate": RoleMetadata,
	"is_mappable":  RoleMetadata,
	"owid_region":  RoleMetadata,
	"region":       RoleMetadata,
	"continent":    RoleMetadata,
	"source":       RoleMetadata,
	"note":         RoleMetadata,
	"notes":        RoleMetadata,
	"annotations":  RoleMetadata,
}

// Roles is the classification of a table's columns.
//
// Entity, Code and Year are indexes into the column list, -1 when absent. When
// several columns carry the same role the first one is used.
type Roles struct {
	Entity int
	Code   int
	Year   int

	// ByColumn is aligned with the input columns.
	ByColumn []Role
}

// Candidates returns the indexes of columns that may hold the metric.
func (r Roles) Candidates() []int {
	var out []int
	for i, role := range r.ByColumn {
		if role == RoleCandidate {
			out = append(out, i)
		}
	}
	return out
}

// ClassifyRoles assigns a role to every column by its normalized name.
func ClassifyRoles(columns []string) Roles {
	r := Roles{Entity: -1, Code: -1, Year: -1, ByColumn: make([]Role, len(columns))}
	for i, c := range columns {
		role := roleNames[NormalizeColumn(c)]
		r.ByColumn[i] = role
		switch role {
		case RoleEntity:
			if r.Entity < 0 {
				r.Entity = i
			}
		case RoleCode:
			if r.Code < 0 {
				r.Code = i
			}
		case RoleYear:
			if r.Year < 0 {
				r.Year = i
			}
		}
	}
	return r
}

// NormalizeColumn lower-cases a header and reduces it to [a-z0-9_], mapping
// separators to a single underscore.
func NormalizeColumn(s string) string {
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF")))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' || r == '_':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		}
	}
	return strings.Trim(b.String(), "_")
}
