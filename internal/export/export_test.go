package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"okavango/internal/geometry"
	"okavango/internal/merge"
	"okavango/internal/model"
	"okavango/internal/registry"
	"okavango/internal/storage"
)

type fakeSource struct {
	descs    []registry.Descriptor
	tables   map[string]merge.Table
	failures map[string]*registry.PipelineError
}

func (f *fakeSource) RunID() string { return "run-1" }

func (f *fakeSource) BuiltAt() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

func (f *fakeSource) ListDatasets() []registry.Descriptor { return f.descs }

func (f *fakeSource) Failures() map[string]*registry.PipelineError { return f.failures }

func (f *fakeSource) Table(key string) (merge.Table, error) {
	t, ok := f.tables[key]
	if !ok {
		return merge.Table{}, registry.ErrUnknownDataset
	}
	return t, nil
}

type replaced struct {
	table   string
	columns []string
	rows    [][]any
}

type fakeRepo struct {
	ensured  []storage.TableSpec
	replaced []replaced
	failOn   string
}

func (r *fakeRepo) Close() {}

func (r *fakeRepo) EnsureTables(_ context.Context, ts []storage.TableSpec) error {
	r.ensured = append(r.ensured, ts...)
	return nil
}

func (r *fakeRepo) ReplaceRows(_ context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if table == r.failOn {
		return 0, errors.New("boom")
	}
	r.replaced = append(r.replaced, replaced{table: table, columns: columns, rows: rows})
	return int64(len(rows)), nil
}

func testSource() *fakeSource {
	bra := geometry.Record{ID: "BRA", Name: "Brazil", Region: "Americas"}
	fra := geometry.Record{ID: "FRA", Name: "France", Region: "Europe"}
	row := model.PreprocessedRow{Country: "BRA", Entity: "Brazil", Year: 2020, YearValid: true, Metric: model.Float(-0.3), IsMappable: true, IsOutlier: true}
	return &fakeSource{
		descs: []registry.Descriptor{{
			Key: "forest_change", Label: "Annual Change in Forest Area", MetricColumn: "forest_area",
			MinYear: 2020, MaxYear: 2020, HasYears: true, RunID: "run-1",
		}},
		tables: map[string]merge.Table{
			"forest_change": {Rows: []merge.Row{{Geometry: &bra, Data: &row}, {Geometry: &fra}}},
		},
		failures: map[string]*registry.PipelineError{
			"deforestation": {Key: "deforestation", Stage: registry.StageFetch, Err: errors.New("status 503")},
		},
	}
}

func TestExport_WritesEveryTable(t *testing.T) {
	repo := &fakeRepo{}
	res, err := Export(context.Background(), repo, testSource(), "owid_", nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.Tables)
	require.EqualValues(t, 4, res.Rows)

	require.Len(t, repo.ensured, 3)
	require.Equal(t, "owid_datasets", repo.replaced[0].table)
	require.Equal(t, "owid_failures", repo.replaced[1].table)
	require.Equal(t, "owid_forest_change", repo.replaced[2].table)

	require.Equal(t, []string{"country_id", "geometry_name", "region", "year", "metric", "is_outlier", "run_id"}, repo.replaced[2].columns)
	require.Equal(t, []any{"BRA", "Brazil", "Americas", int64(2020), -0.3, true, "run-1"}, repo.replaced[2].rows[0])
	require.Equal(t, []any{"FRA", "France", "Europe", nil, nil, false, "run-1"}, repo.replaced[2].rows[1])

	fail := repo.replaced[1].rows[0]
	require.Equal(t, "deforestation", fail[0])
	require.Equal(t, "fetch", fail[1])
	require.Equal(t, "status 503", fail[2])
}

func TestExport_ReplaceError(t *testing.T) {
	repo := &fakeRepo{failOn: "owid_forest_change"}
	_, err := Export(context.Background(), repo, testSource(), "owid_", nil)
	require.ErrorContains(t, err, "owid_forest_change")
}

func TestExport_InvalidPrefix(t *testing.T) {
	repo := &fakeRepo{}
	_, err := Export(context.Background(), repo, testSource(), "bad-prefix ", nil)
	require.Error(t, err)
	require.Empty(t, repo.ensured)
}

func TestDescriptorRows_NoYears(t *testing.T) {
	rows := DescriptorRows([]registry.Descriptor{{Key: "k"}})
	require.Nil(t, rows[0][5])
	require.Nil(t, rows[0][6])
}
