package metric

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMinCoverage is the minimum numeric share a column needs to be
// accepted as the metric.
const DefaultMinCoverage = 0.5

// Column is the detected metric column.
type Column struct {
	Index      int
	Name       string
	Normalized string
	Coverage   float64
}

// Schema is a table's role layout plus its metric column.
type Schema struct {
	Columns []string
	Roles   Roles
	Metric  Column
}

// ErrMissingRole is wrapped by SchemaError.
var ErrMissingRole = errors.New("metric: required column missing")

// SchemaError reports a table without an entity or year column.
type SchemaError struct {
	Missing []string
	Columns []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("metric: table has no %s column (columns: %s)",
		strings.Join(e.Missing, "/"), strings.Join(e.Columns, ", "))
}

func (e *SchemaError) Unwrap() error { return ErrMissingRole }

// NoMetricFoundError means no candidate reached MinCoverage.
type NoMetricFoundError struct {
	MinCoverage float64
	Candidates  []Coverage
}

func (e *NoMetricFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return "metric: no candidate metric column"
	}
	parts := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		parts[i] = fmt.Sprintf("%s=%.2f", c.Column, c.Fraction)
	}
	return fmt.Sprintf("metric: no column reaches coverage %.2f (%s)", e.MinCoverage, strings.Join(parts, ", "))
}

// Detector picks the metric column. The zero value uses DefaultMinCoverage.
type Detector struct {
	MinCoverage float64
}

func (d Detector) minCoverage() float64 {
	if d.MinCoverage <= 0 {
		return DefaultMinCoverage
	}
	return d.MinCoverage
}

// Detect returns the candidate column with the highest coverage over sample.
// Ties go to the earliest column.
//
// sample rows are aligned with columns; short rows count as empty cells.
//
// Errors:
//   - *NoMetricFoundError when there is no candidate or none reaches
//     MinCoverage.
func (d Detector) Detect(columns []string, sample [][]string) (Column, error) {
	return d.detect(columns, ClassifyRoles(columns), sample)
}

func (d Detector) detect(columns []string, roles Roles, sample [][]string) (Column, error) {
	minCov := d.minCoverage()

	cands := roles.Candidates()
	scores := make([]Coverage, 0, len(cands))
	best := -1
	for _, idx := range cands {
		numeric, total := Score(columnValues(sample, idx))
		c := Coverage{Index: idx, Column: columns[idx], Numeric: numeric, Total: total, Fraction: fraction(numeric, total)}
		scores = append(scores, c)
		if best < 0 || c.Fraction > scores[best].Fraction {
			best = len(scores) - 1
		}
	}

	if best < 0 || scores[best].Fraction < minCov {
		return Column{}, &NoMetricFoundError{MinCoverage: minCov, Candidates: scores}
	}
	b := scores[best]
	return Column{Index: b.Index, Name: b.Column, Normalized: NormalizeColumn(b.Column), Coverage: b.Fraction}, nil
}

// Schema classifies columns and detects the metric.
//
// Errors:
//   - *SchemaError when the entity or year column is missing.
//   - *NoMetricFoundError from Detect.
func (d Detector) Schema(columns []string, sample [][]string) (Schema, error) {
	roles := ClassifyRoles(columns)

	var missing []string
	if roles.Entity < 0 {
		missing = append(missing, "entity")
	}
	if roles.Year < 0 {
		missing = append(missing, "year")
	}
	if len(missing) > 0 {
		return Schema{}, &SchemaError{Missing: missing, Columns: columns}
	}

	col, err := d.detect(columns, roles, sample)
	if err != nil {
		return Schema{}, err
	}
	return Schema{Columns: columns, Roles: roles, Metric: col}, nil
}

func columnValues(sample [][]string, idx int) []string {
	out := make([]string, len(sample))
	for i, row := range sample {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out
}
