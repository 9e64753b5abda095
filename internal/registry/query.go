package registry

import (
	"cmp"
	"maps"
	"slices"
	"strconv"
	"time"

	"okavango/internal/catalog"
	"okavango/internal/geometry"
	"okavango/internal/merge"
	"okavango/internal/model"
	"okavango/internal/preprocess"
)

// RunID identifies the Build that produced r.
func (r *Registry) RunID() string { return r.runID }

// BuiltAt is when Build finished.
func (r *Registry) BuiltAt() time.Time { return r.builtAt }

// Catalog returns the catalog r was built from.
func (r *Registry) Catalog() catalog.Catalog { return r.cat }

// Geometry returns the geometry records shared by every table.
func (r *Registry) Geometry() []geometry.Record { return r.geometry }

// ListDatasets returns the descriptors of available datasets in catalog
// order.
func (r *Registry) ListDatasets() []Descriptor {
	out := make([]Descriptor, 0, len(r.datasets))
	for _, src := range r.cat.Datasets {
		if ds, ok := r.datasets[src.Key]; ok {
			out = append(out, ds.desc)
		}
	}
	return out
}

// Failures returns the failed pipelines by key.
func (r *Registry) Failures() map[string]*PipelineError {
	return maps.Clone(r.failures)
}

// Status reports whether key was built.
func (r *Registry) Status(key string) Status {
	if _, ok := r.datasets[key]; ok {
		return StatusAvailable
	}
	if _, ok := r.failures[key]; ok {
		return StatusFailed
	}
	return StatusUnknown
}

func (r *Registry) lookup(key string) (*dataset, error) {
	if ds, ok := r.datasets[key]; ok {
		return ds, nil
	}
	if perr, ok := r.failures[key]; ok {
		return nil, perr
	}
	return nil, ErrUnknownDataset
}

// Descriptor returns the descriptor of key.
func (r *Registry) Descriptor(key string) (Descriptor, error) {
	ds, err := r.lookup(key)
	if err != nil {
		return Descriptor{}, err
	}
	return ds.desc, nil
}

// Table returns the merged table of key.
//
// Errors: ErrUnknownDataset, or the dataset's *PipelineError.
func (r *Registry) Table(key string) (merge.Table, error) {
	ds, err := r.lookup(key)
	if err != nil {
		return merge.Table{}, err
	}
	return ds.table, nil
}

// Rejected returns the rows of key no country could be found for.
func (r *Registry) Rejected(key string) ([]preprocess.Rejected, error) {
	ds, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return ds.rejected, nil
}

// YearRange returns the smallest and largest year with a mappable row.
func (r *Registry) YearRange(key string) (minYear, maxYear int, err error) {
	ds, err := r.lookup(key)
	if err != nil {
		return 0, 0, err
	}
	if !ds.desc.HasYears {
		return 0, 0, ErrNoYears
	}
	return ds.desc.MinYear, ds.desc.MaxYear, nil
}

// RowsForYear returns one row per geometry for year. Countries without data
// for year have a row with a nil metric.
func (r *Registry) RowsForYear(key string, year int) (merge.Table, error) {
	ds, err := r.lookup(key)
	if err != nil {
		return merge.Table{}, err
	}
	return ds.table.ForYear(year), nil
}

// AvailableYears returns the sorted years with at least one row that has
// both data and geometry.
func (r *Registry) AvailableYears(key string) ([]int, error) {
	ds, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return ds.table.Years(), nil
}

// CountryData returns the rows of year that have data, one per country.
func (r *Registry) CountryData(key string, year int) ([]merge.Row, error) {
	ds, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return uniqueCountries(ds.table.ForYear(year).WithData()), nil
}

// uniqueCountries keeps the first row of each country. A country can have
// several shapes, or several rows for one year when the source repeats it.
func uniqueCountries(rows []merge.Row) []merge.Row {
	seen := make(map[model.CountryID]bool, len(rows))
	out := rows[:0:0]
	for _, row := range rows {
		if seen[row.Data.Country] {
			continue
		}
		seen[row.Data.Country] = true
		out = append(out, row)
	}
	return out
}

// Ranked is one entry of a TopBottom list.
type Ranked struct {
	Country model.CountryID
	Entity  string
	Region  string
	Value   float64
	// Group is "Top n" or "Bottom n".
	Group string
}

// TopBottom returns the n highest values (descending) and the n lowest
// values (ascending) of year. Ties are broken by country id.
func (r *Registry) TopBottom(key string, year, n int) (top, bottom []Ranked, err error) {
	rows, err := r.CountryData(key, year)
	if err != nil || n <= 0 {
		return nil, nil, err
	}
	ranked := make([]Ranked, len(rows))
	for i, row := range rows {
		ranked[i] = Ranked{
			Country: row.Data.Country,
			Entity:  row.Data.Entity,
			Region:  row.Geometry.Region,
			Value:   row.Data.Value(),
		}
	}
	slices.SortFunc(ranked, func(a, b Ranked) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Country, b.Country)
	})

	k := min(n, len(ranked))
	top = slices.Clone(ranked[:k])
	for i := range top {
		top[i].Group = groupLabel("Top", n)
	}
	bottom = slices.Clone(ranked[len(ranked)-k:])
	slices.Reverse(bottom)
	for i := range bottom {
		bottom[i].Group = groupLabel("Bottom", n)
	}
	return top, bottom, nil
}

func groupLabel(prefix string, n int) string {
	return prefix + " " + strconv.Itoa(n)
}

// CountryTimeseries returns the mappable rows of one country sorted by year.
func (r *Registry) CountryTimeseries(key string, id model.CountryID) ([]model.PreprocessedRow, error) {
	ds, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	var out []model.PreprocessedRow
	for _, row := range ds.rows {
		if row.IsMappable && row.Country == id {
			out = append(out, row)
		}
	}
	slices.SortStableFunc(out, func(a, b model.PreprocessedRow) int { return cmp.Compare(a.Year, b.Year) })
	return out, nil
}

// Details describes one country in one year.
type Details struct {
	Country model.CountryID
	Entity  string
	Region  string
	Year    int
	Value   float64
	// Rank is 1 for the highest value; equal values share the lowest rank.
	Rank int
	// Of is the number of ranked countries.
	Of int
	// Delta is Value minus the previous year's value, nil without one.
	Delta     *float64
	IsOutlier bool
}

// CountryDetails returns the details of id in year. ok is false when the
// country has no data that year.
func (r *Registry) CountryDetails(key string, id model.CountryID, year int) (d Details, ok bool, err error) {
	rows, err := r.CountryData(key, year)
	if err != nil {
		return Details{}, false, err
	}
	var self *merge.Row
	for i := range rows {
		if rows[i].Data.Country == id {
			self = &rows[i]
			break
		}
	}
	if self == nil {
		return Details{}, false, nil
	}
	d = Details{
		Country:   id,
		Entity:    self.Data.Entity,
		Region:    self.Geometry.Region,
		Year:      year,
		Value:     self.Data.Value(),
		Rank:      1,
		Of:        len(rows),
		IsOutlier: self.Data.IsOutlier,
	}
	for _, row := range rows {
		if row.Data.Value() > d.Value {
			d.Rank++
		}
	}

	series, _ := r.CountryTimeseries(key, id)
	for _, row := range series {
		if row.Year == year-1 && row.Metric != nil {
			delta := d.Value - *row.Metric
			d.Delta = &delta
			break
		}
	}
	return d, true, nil
}

// AggregateMean returns the mean metric over the countries with data in
// year and how many countries it covers. n is 0 when there is no data.
func (r *Registry) AggregateMean(key string, year int) (mean float64, n int, err error) {
	rows, err := r.CountryData(key, year)
	if err != nil || len(rows) == 0 {
		return 0, 0, err
	}
	var sum float64
	for _, row := range rows {
		sum += row.Data.Value()
	}
	return sum / float64(len(rows)), len(rows), nil
}

// Aggregates returns the aggregate rows (World, continents, income groups)
// of year that carry a value.
func (r *Registry) Aggregates(key string, year int) ([]model.PreprocessedRow, error) {
	ds, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	var out []model.PreprocessedRow
	for _, row := range ds.table.NonMappable {
		if row.IsAggregate && row.YearValid && row.Year == year && row.Metric != nil {
			out = append(out, row)
		}
	}
	return out, nil
}
