package preprocess

import (
	"math"
	"sort"

	"okavango/internal/metric"
	"okavango/internal/model"
)

// Dedupe drops exact duplicate records and keeps the first occurrence. It
// returns the kept records in input order and the number dropped.
func Dedupe(records []model.RawRecord) ([]model.RawRecord, int) {
	seen := make(map[[32]byte]struct{}, len(records))
	out := make([]model.RawRecord, 0, len(records))
	for _, r := range records {
		h := hashRecord(r)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

// ParseMetric converts a metric cell to a value. Missing or non-numeric cells
// give nil; the row is kept.
func ParseMetric(text string) *float64 {
	v, ok := metric.ParseNumber(text)
	if !ok {
		return nil
	}
	return &v
}

// Classify sets IsMappable from the row's other fields. It never sets
// IsMappable on an aggregate.
func Classify(row *model.PreprocessedRow) {
	row.IsMappable = !row.IsAggregate &&
		!row.Country.IsZero() &&
		row.Metric != nil &&
		row.YearValid
}

// Fences are Tukey's outlier bounds.
type Fences struct {
	Q1, Q3     float64
	Lower      float64
	Upper      float64
	Population int
}

// FlagOutliers sets IsOutlier on mappable rows whose metric lies outside
// [Q1 - k*IQR, Q3 + k*IQR], computed over the metrics of mappable rows.
// Nothing is removed. k <= 0 disables flagging; so does a population under 4.
func FlagOutliers(rows []model.PreprocessedRow, k float64) (Fences, int) {
	var vals []float64
	for i := range rows {
		rows[i].IsOutlier = false
		if rows[i].IsMappable {
			vals = append(vals, *rows[i].Metric)
		}
	}
	if k <= 0 || len(vals) < 4 {
		return Fences{Population: len(vals)}, 0
	}

	sort.Float64s(vals)
	q1 := quantile(vals, 0.25)
	q3 := quantile(vals, 0.75)
	iqr := q3 - q1
	f := Fences{Q1: q1, Q3: q3, Lower: q1 - k*iqr, Upper: q3 + k*iqr, Population: len(vals)}

	n := 0
	for i := range rows {
		if !rows[i].IsMappable {
			continue
		}
		v := *rows[i].Metric
		if v < f.Lower || v > f.Upper {
			rows[i].IsOutlier = true
			n++
		}
	}
	return f, n
}

// quantile interpolates linearly between closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// SortRows orders rows deterministically: countries before aggregates, then
// by country id, code, entity and year (rows without a valid year last).
func SortRows(rows []model.PreprocessedRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.IsAggregate != b.IsAggregate {
			return !a.IsAggregate
		}
		if a.Country != b.Country {
			return a.Country < b.Country
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.YearValid != b.YearValid {
			return a.YearValid
		}
		return a.Year < b.Year
	})
}
