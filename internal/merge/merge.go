// Package merge left-joins country geometry with the mappable rows of one
// dataset.
package merge

import (
	"slices"

	"okavango/internal/geometry"
	"okavango/internal/model"
)

// Row pairs a geometry with one data row. Data is nil when the country has no
// data: the metric is then null.
type Row struct {
	Geometry *geometry.Record
	Data     *model.PreprocessedRow
}

// Metric returns the row's metric or nil.
func (r Row) Metric() *float64 {
	if r.Data == nil {
		return nil
	}
	return r.Data.Metric
}

// Table is the merged table of one dataset.
//
// Every geometry record appears in Rows at least once, and the rows of one
// geometry are contiguous. NonMappable rows never carry geometry.
type Table struct {
	Rows []Row
	// NonMappable holds aggregates and rows lacking a metric or a valid year.
	NonMappable []model.PreprocessedRow
	// Unmatched holds mappable rows whose country has no geometry.
	Unmatched []model.PreprocessedRow
}

// Merge joins geoms (left) with the mappable rows of rows on CountryID. The
// order of geoms is kept; each geometry's rows keep their input order.
func Merge(geoms []geometry.Record, rows []model.PreprocessedRow) Table {
	var t Table
	byID := make(map[model.CountryID][]*model.PreprocessedRow)
	mappable := make([]model.PreprocessedRow, 0, len(rows))
	for _, r := range rows {
		if !r.IsMappable {
			t.NonMappable = append(t.NonMappable, r)
			continue
		}
		mappable = append(mappable, r)
	}
	for i := range mappable {
		id := mappable[i].Country
		byID[id] = append(byID[id], &mappable[i])
	}

	matched := make(map[model.CountryID]bool, len(byID))
	t.Rows = make([]Row, 0, len(geoms)+len(mappable))
	for i := range geoms {
		g := &geoms[i]
		data := byID[g.ID]
		if g.ID == "" || len(data) == 0 {
			t.Rows = append(t.Rows, Row{Geometry: g})
			continue
		}
		matched[g.ID] = true
		for _, d := range data {
			t.Rows = append(t.Rows, Row{Geometry: g, Data: d})
		}
	}
	for i := range mappable {
		if !matched[mappable[i].Country] {
			t.Unmatched = append(t.Unmatched, mappable[i])
		}
	}
	return t
}

// ForYear returns, for every geometry, its rows for year or a single row with
// no data. NonMappable and Unmatched are filtered to year as well.
func (t Table) ForYear(year int) Table {
	out := Table{Rows: make([]Row, 0, len(t.Rows))}
	for start := 0; start < len(t.Rows); {
		end := start + 1
		for end < len(t.Rows) && t.Rows[end].Geometry == t.Rows[start].Geometry {
			end++
		}
		n := len(out.Rows)
		for _, r := range t.Rows[start:end] {
			if r.Data != nil && r.Data.Year == year {
				out.Rows = append(out.Rows, r)
			}
		}
		if len(out.Rows) == n {
			out.Rows = append(out.Rows, Row{Geometry: t.Rows[start].Geometry})
		}
		start = end
	}
	for _, r := range t.NonMappable {
		if r.YearValid && r.Year == year {
			out.NonMappable = append(out.NonMappable, r)
		}
	}
	for _, r := range t.Unmatched {
		if r.Year == year {
			out.Unmatched = append(out.Unmatched, r)
		}
	}
	return out
}

// WithData returns the rows that carry data.
func (t Table) WithData() []Row {
	var out []Row
	for _, r := range t.Rows {
		if r.Data != nil {
			out = append(out, r)
		}
	}
	return out
}

// Years returns the sorted distinct years of rows with data.
func (t Table) Years() []int {
	seen := map[int]bool{}
	var years []int
	for _, r := range t.Rows {
		if r.Data != nil && !seen[r.Data.Year] {
			seen[r.Data.Year] = true
			years = append(years, r.Data.Year)
		}
	}
	slices.Sort(years)
	return years
}

// GeometryCount returns the number of distinct geometries in Rows.
func (t Table) GeometryCount() int {
	n := 0
	for i, r := range t.Rows {
		if i == 0 || r.Geometry != t.Rows[i-1].Geometry {
			n++
		}
	}
	return n
}
