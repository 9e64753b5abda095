// Package export writes a built registry into a storage.Repository.
//
// Each run rewrites every table it owns: one table per available dataset
// (<prefix><key>), plus <prefix>datasets and <prefix>failures.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"okavango/internal/logging"
	"okavango/internal/merge"
	"okavango/internal/registry"
	"okavango/internal/storage"
)

// Source is the part of *registry.Registry an export reads.
type Source interface {
	RunID() string
	BuiltAt() time.Time
	ListDatasets() []registry.Descriptor
	Table(key string) (merge.Table, error)
	Failures() map[string]*registry.PipelineError
}

// Result counts what one Export wrote.
type Result struct {
	Tables int
	Rows   int64
}

var datasetColumns = []storage.Column{
	{Name: "country_id", Type: storage.TypeText, Nullable: true},
	{Name: "geometry_name", Type: storage.TypeText, Nullable: true},
	{Name: "region", Type: storage.TypeText, Nullable: true},
	{Name: "year", Type: storage.TypeInt, Nullable: true},
	{Name: "metric", Type: storage.TypeFloat, Nullable: true},
	{Name: "is_outlier", Type: storage.TypeBool},
	{Name: "run_id", Type: storage.TypeText},
}

var descriptorColumns = []storage.Column{
	{Name: "key", Type: storage.TypeText},
	{Name: "label", Type: storage.TypeText},
	{Name: "url", Type: storage.TypeText},
	{Name: "metric_column", Type: storage.TypeText},
	{Name: "metric_coverage", Type: storage.TypeFloat},
	{Name: "min_year", Type: storage.TypeInt, Nullable: true},
	{Name: "max_year", Type: storage.TypeInt, Nullable: true},
	{Name: "mappable_countries", Type: storage.TypeInt},
	{Name: "rows", Type: storage.TypeInt},
	{Name: "rejected", Type: storage.TypeInt},
	{Name: "outliers", Type: storage.TypeInt},
	{Name: "sha256", Type: storage.TypeText},
	{Name: "fetched_at", Type: storage.TypeTime},
	{Name: "run_id", Type: storage.TypeText},
}

var failureColumns = []storage.Column{
	{Name: "key", Type: storage.TypeText},
	{Name: "stage", Type: storage.TypeText},
	{Name: "error", Type: storage.TypeText},
	{Name: "run_id", Type: storage.TypeText},
	{Name: "built_at", Type: storage.TypeTime},
}

// DatasetTable returns the table spec for one dataset key.
func DatasetTable(prefix, key string) storage.TableSpec {
	return storage.TableSpec{Name: prefix + key, Columns: datasetColumns}
}

// Tables returns every table spec an export of src writes.
func Tables(prefix string, src Source) []storage.TableSpec {
	out := []storage.TableSpec{
		{Name: prefix + "datasets", Columns: descriptorColumns, Key: []string{"key"}},
		{Name: prefix + "failures", Columns: failureColumns, Key: []string{"key"}},
	}
	for _, d := range src.ListDatasets() {
		out = append(out, DatasetTable(prefix, d.Key))
	}
	return out
}

// Export ensures the tables exist and rewrites their rows from src.
func Export(ctx context.Context, repo storage.Repository, src Source, prefix string, log *slog.Logger) (Result, error) {
	if log == nil {
		log = logging.Discard()
	}
	var res Result

	tables := Tables(prefix, src)
	for _, t := range tables {
		if err := storage.ValidateTableSpec(t); err != nil {
			return res, err
		}
	}
	if err := repo.EnsureTables(ctx, tables); err != nil {
		return res, fmt.Errorf("export: ensure tables: %w", err)
	}

	write := func(t storage.TableSpec, rows [][]any) error {
		start := time.Now()
		n, err := repo.ReplaceRows(ctx, t.Name, t.ColumnNames(), rows)
		if err != nil {
			return fmt.Errorf("export: %s: %w", t.Name, err)
		}
		res.Tables++
		res.Rows += n
		log.Info("table exported", "table", t.Name, "rows", n, "dur", time.Since(start))
		return nil
	}

	if err := write(tables[0], DescriptorRows(src.ListDatasets())); err != nil {
		return res, err
	}
	if err := write(tables[1], FailureRows(src.Failures(), src.RunID(), src.BuiltAt())); err != nil {
		return res, err
	}
	for i, d := range src.ListDatasets() {
		t, err := src.Table(d.Key)
		if err != nil {
			return res, err
		}
		if err := write(tables[2+i], DatasetRows(t, src.RunID())); err != nil {
			return res, err
		}
	}
	return res, nil
}

// DatasetRows flattens the merged rows of a dataset, aligned with the
// dataset table columns. Geometries without data yield one row with a null
// year and metric.
func DatasetRows(t merge.Table, runID string) [][]any {
	out := make([][]any, 0, len(t.Rows))
	for _, r := range t.Rows {
		var (
			id, name, region any
			year, metric     any
			outlier          bool
		)
		if g := r.Geometry; g != nil {
			if !g.ID.IsZero() {
				id = string(g.ID)
			}
			name = g.Name
			region = nullable(g.Region)
		}
		if d := r.Data; d != nil {
			year = int64(d.Year)
			if d.Metric != nil {
				metric = *d.Metric
			}
			outlier = d.IsOutlier
		}
		out = append(out, []any{id, name, region, year, metric, outlier, runID})
	}
	return out
}

// DescriptorRows renders descriptors aligned with the datasets table.
func DescriptorRows(ds []registry.Descriptor) [][]any {
	out := make([][]any, 0, len(ds))
	for _, d := range ds {
		var minYear, maxYear any
		if d.HasYears {
			minYear, maxYear = int64(d.MinYear), int64(d.MaxYear)
		}
		out = append(out, []any{
			d.Key, d.Label, d.URL, d.MetricColumn, d.MetricCoverage,
			minYear, maxYear,
			int64(d.MappableCountries), int64(d.Rows), int64(d.Rejected), int64(d.Outliers),
			d.SHA256, d.FetchedAt.UTC(), d.RunID,
		})
	}
	return out
}

// FailureRows renders failures sorted by key.
func FailureRows(failures map[string]*registry.PipelineError, runID string, builtAt time.Time) [][]any {
	keys := make([]string, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([][]any, 0, len(keys))
	for _, k := range keys {
		pe := failures[k]
		out = append(out, []any{k, pe.Stage, pe.Err.Error(), runID, builtAt.UTC()})
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
