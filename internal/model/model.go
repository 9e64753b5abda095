// Package model holds the row types shared by the pipeline stages.
//
// Records flow one way: parser/csv produces RawRecord, preprocess turns them
// into PreprocessedRow, merge joins those to geometry. None of the types carry
// references back to the stage that produced them.
package model

import (
	"strconv"
	"strings"
)

// CountryID is the canonical identifier of a real country.
//
// It is an upper-case ISO 3166-1 alpha-3 code when one exists. Aggregates
// never get an id; the empty CountryID means "no country".
type CountryID string

// IsZero reports whether id is unset.
func (id CountryID) IsZero() bool { return id == "" }

func (id CountryID) String() string { return string(id) }

// RawRecord is one data line of a published table, as read.
//
// Values is aligned with the column list of the table it came from. Entity,
// Code, YearText and MetricText are copies of the role columns picked by the
// metric detector so later stages do not need the column list.
type RawRecord struct {
	Line int

	Entity     string
	Code       string
	YearText   string
	Year       int
	YearValid  bool
	MetricText string

	Values []string
}

// ParseYear parses a year cell. Decimal forms like "2010.0" are accepted
// because some exports write integer columns as floats.
func ParseYear(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if y, err := strconv.Atoi(s); err == nil {
		return y, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// PreprocessedRow is a RawRecord after normalization and classification.
//
// Invariants (enforced by preprocess.Classify):
//   - IsMappable implies !IsAggregate and Country != "".
//   - IsMappable holds exactly when Country != "", Metric != nil and YearValid.
type PreprocessedRow struct {
	Raw RawRecord

	Country CountryID
	Entity  string
	Code    string

	Year      int
	YearValid bool

	// Metric is nil when the source cell is missing or not numeric.
	Metric *float64

	IsAggregate bool
	IsMappable  bool
	IsOutlier   bool

	// Layer names the normalizer layer that resolved Country (or flagged the
	// aggregate). Useful when auditing an alias table.
	Layer string
}

// HasMetric reports whether the row carries a numeric value.
func (r PreprocessedRow) HasMetric() bool { return r.Metric != nil }

// Value returns the metric or 0 when null. Callers that care about the
// difference check HasMetric first.
func (r PreprocessedRow) Value() float64 {
	if r.Metric == nil {
		return 0
	}
	return *r.Metric
}

// RawRecords returns the Raw field of each row, in order.
func RawRecords(rows []PreprocessedRow) []RawRecord {
	out := make([]RawRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].Raw
	}
	return out
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
