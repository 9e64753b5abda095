// Package registry builds and serves the merged table of every catalog
// dataset.
//
// Build runs one pipeline per dataset (fetch, parse, detect, preprocess,
// merge) on a bounded worker pool. A failed pipeline is recorded and never
// stops the others. The finished Registry is immutable and safe for
// concurrent readers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"okavango/internal/catalog"
	"okavango/internal/country"
	"okavango/internal/fetch"
	"okavango/internal/geometry"
	"okavango/internal/merge"
	"okavango/internal/metric"
	"okavango/internal/metrics"
	"okavango/internal/model"
	csvparse "okavango/internal/parser/csv"
	"okavango/internal/preprocess"
)

const defaultWorkers = 4

// Fetcher retrieves a source into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, src catalog.Source) (fetch.Handle, error)
}

// Config wires a Build.
type Config struct {
	Catalog    catalog.Catalog
	Fetcher    Fetcher
	Normalizer *country.Normalizer
	Detector   metric.Detector
	// OutlierK is passed to preprocess.Preprocessor.
	OutlierK float64
	Geometry geometry.Options
	// SampleSize bounds the rows used for metric detection; 0 uses all rows.
	SampleSize int
	Workers    int
	Job        string
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Descriptor summarises one available dataset.
type Descriptor struct {
	Key   string
	Label string
	URL   string

	MetricColumn     string
	MetricNormalized string
	MetricCoverage   float64

	// MinYear and MaxYear span the mappable rows; HasYears is false when
	// there are none.
	MinYear  int
	MaxYear  int
	HasYears bool

	MappableCountries int
	Rows              int
	Mappable          int
	Aggregates        int
	Rejected          int
	Outliers          int
	Duplicates        int
	Unmatched         int

	SHA256    string
	FetchedAt time.Time
	FromCache bool
	RunID     string
}

// Status of a dataset in a Registry.
type Status int

const (
	StatusUnknown Status = iota
	StatusAvailable
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type dataset struct {
	desc     Descriptor
	table    merge.Table
	rows     []model.PreprocessedRow
	rejected []preprocess.Rejected
}

// Registry holds the outcome of one Build.
type Registry struct {
	runID    string
	builtAt  time.Time
	cat      catalog.Catalog
	geometry []geometry.Record
	datasets map[string]*dataset
	failures map[string]*PipelineError
}

type outcome struct {
	key string
	ds  *dataset
	err *PipelineError
}

type builder struct {
	cfg   Config
	runID string
	log   *slog.Logger
	clock clockwork.Clock
}

// Build runs every pipeline of cfg.Catalog and returns the assembled
// registry. The error is non-nil only for an unusable Config; dataset
// failures are reported through Failures and Status.
func Build(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("registry: config has no fetcher")
	}
	if cfg.Normalizer == nil {
		return nil, errors.New("registry: config has no country normalizer")
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Job == "" {
		cfg.Job = "okavango"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &builder{cfg: cfg, runID: uuid.NewString(), clock: cfg.Clock}
	b.log = cfg.Logger.With("run_id", b.runID)
	start := b.clock.Now()

	reg := &Registry{
		runID:    b.runID,
		cat:      cfg.Catalog,
		datasets: make(map[string]*dataset, len(cfg.Catalog.Datasets)),
		failures: make(map[string]*PipelineError),
	}

	geoms, gerr := b.loadGeometry(ctx)
	if gerr != nil {
		b.log.Error("registry: geometry unavailable, every dataset fails", "error", gerr)
		for _, src := range cfg.Catalog.Datasets {
			reg.failures[src.Key] = &PipelineError{Key: src.Key, Stage: StageGeometry, Err: gerr.Err}
			metrics.RecordDataset(cfg.Job, src.Key, StageGeometry)
		}
		reg.builtAt = b.clock.Now()
		return reg, nil
	}
	reg.geometry = geoms

	pool := pond.NewResultPool[outcome](cfg.Workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	for _, src := range cfg.Catalog.Datasets {
		group.Submit(func() outcome {
			return b.runDataset(ctx, src, geoms)
		})
	}
	outs, err := group.Wait()
	if err != nil {
		b.log.Error("registry: pipelines interrupted", "error", err)
	}

	done := make(map[string]bool, len(outs))
	for _, o := range outs {
		if o.key == "" {
			continue
		}
		done[o.key] = true
		if o.err != nil {
			reg.failures[o.key] = o.err
			continue
		}
		reg.datasets[o.key] = o.ds
	}
	for _, src := range cfg.Catalog.Datasets {
		if done[src.Key] {
			continue
		}
		cause := err
		if cause == nil {
			cause = context.Cause(ctx)
		}
		reg.failures[src.Key] = &PipelineError{Key: src.Key, Stage: StageFetch, Err: cause}
	}

	reg.builtAt = b.clock.Now()
	b.log.Info("registry: built",
		"available", len(reg.datasets),
		"failed", len(reg.failures),
		"geometries", len(geoms),
		"took", reg.builtAt.Sub(start).Round(time.Millisecond),
	)
	return reg, nil
}

func (b *builder) loadGeometry(ctx context.Context) ([]geometry.Record, *PipelineError) {
	src := b.cfg.Catalog.Geometry
	t0 := b.clock.Now()
	fail := func(err error) *PipelineError {
		metrics.RecordStep(b.cfg.Job, StageGeometry, "error", b.clock.Since(t0))
		return &PipelineError{Key: src.Key, Stage: StageGeometry, Err: err}
	}

	h, err := b.cfg.Fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fail(err)
	}
	f, err := os.Open(h.Path)
	if err != nil {
		return nil, fail(&fetch.RetrievalError{Key: src.Key, URL: src.URL, Err: err})
	}
	defer f.Close()

	opts := b.cfg.Geometry
	if opts.Logger == nil {
		opts.Logger = b.log
	}
	geoms, err := geometry.Load(f, b.cfg.Normalizer, opts)
	if err != nil {
		return nil, fail(&fetch.FormatError{Key: src.Key, Expected: string(src.Kind), Err: err})
	}
	metrics.RecordStep(b.cfg.Job, StageGeometry, "ok", b.clock.Since(t0))
	b.log.Info("registry: geometry loaded", "features", len(geoms), "from_cache", h.FromCache)
	return geoms, nil
}

// runDataset never returns a Go error: failures travel in the outcome so
// the pool group keeps running the other datasets.
func (b *builder) runDataset(ctx context.Context, src catalog.Source, geoms []geometry.Record) outcome {
	log := b.log.With("dataset", src.Key)
	job := b.cfg.Job

	stage := func(name string, fn func() error) error {
		t0 := b.clock.Now()
		err := fn()
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordStep(job, name, status, b.clock.Since(t0))
		return err
	}
	timeStage := func(name string, fn func()) {
		t0 := b.clock.Now()
		fn()
		metrics.RecordStep(job, name, "ok", b.clock.Since(t0))
	}
	fail := func(name string, err error) outcome {
		log.Warn("registry: dataset failed", "stage", name, "error", err)
		metrics.RecordDataset(job, src.Key, name)
		return outcome{key: src.Key, err: &PipelineError{Key: src.Key, Stage: name, Err: err}}
	}

	var h fetch.Handle
	if err := stage(StageFetch, func() (err error) {
		h, err = b.cfg.Fetcher.Fetch(ctx, src)
		return err
	}); err != nil {
		return fail(StageFetch, err)
	}

	var tbl *csvparse.Table
	if err := stage(StageParse, func() error {
		f, err := os.Open(h.Path)
		if err != nil {
			return &fetch.RetrievalError{Key: src.Key, URL: src.URL, Err: err}
		}
		defer f.Close()
		tbl, err = csvparse.ReadTable(ctx, f, csvparse.Options{
			LazyQuotes: true,
			OnError: func(line int, err error) {
				log.Debug("registry: skipped malformed line", "line", line, "error", err)
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return &fetch.FormatError{Key: src.Key, Expected: string(src.Kind), Err: err}
		}
		return nil
	}); err != nil {
		return fail(StageParse, err)
	}

	var schema metric.Schema
	if err := stage(StageDetect, func() (err error) {
		schema, err = b.cfg.Detector.Schema(tbl.Columns, tbl.Sample(b.cfg.SampleSize))
		return err
	}); err != nil {
		return fail(StageDetect, err)
	}
	log.Debug("registry: metric detected", "column", schema.Metric.Name, "coverage", schema.Metric.Coverage)

	var res preprocess.Result
	timeStage(StagePreprocess, func() {
		p := preprocess.Preprocessor{Resolver: b.cfg.Normalizer, OutlierK: b.cfg.OutlierK, Logger: log}
		res = p.Preprocess(tbl.Records(schema))
	})
	for _, rj := range res.Rejected {
		log.Debug("registry: rejected row", "line", rj.Record.Line, "entity", rj.Record.Entity, "code", rj.Record.Code)
	}

	var merged merge.Table
	timeStage(StageMerge, func() {
		merged = merge.Merge(geoms, res.Rows)
	})

	ds := &dataset{
		desc:     b.describe(src, h, schema, res, merged),
		table:    merged,
		rows:     res.Rows,
		rejected: res.Rejected,
	}
	metrics.RecordRows(job, src.Key, "input", res.Stats.Input)
	metrics.RecordRows(job, src.Key, "duplicate", res.Stats.Duplicates)
	metrics.RecordRows(job, src.Key, "rejected", res.Stats.Rejected)
	metrics.RecordRows(job, src.Key, "mappable", res.Stats.Mappable)
	metrics.RecordRows(job, src.Key, "outlier", res.Stats.Outliers)
	metrics.RecordDataset(job, src.Key, "ok")

	log.Info("registry: dataset ready",
		"metric", ds.desc.MetricColumn,
		"rows", ds.desc.Rows,
		"mappable", ds.desc.Mappable,
		"countries", ds.desc.MappableCountries,
		"rejected", ds.desc.Rejected,
		"years", fmt.Sprintf("%d-%d", ds.desc.MinYear, ds.desc.MaxYear),
	)
	return outcome{key: src.Key, ds: ds}
}

func (b *builder) describe(src catalog.Source, h fetch.Handle, s metric.Schema, res preprocess.Result, t merge.Table) Descriptor {
	d := Descriptor{
		Key:              src.Key,
		Label:            src.Label,
		URL:              src.URL,
		MetricColumn:     s.Metric.Name,
		MetricNormalized: s.Metric.Normalized,
		MetricCoverage:   s.Metric.Coverage,
		Rows:             len(res.Rows),
		Mappable:         res.Stats.Mappable,
		Aggregates:       res.Stats.Aggregates,
		Rejected:         res.Stats.Rejected,
		Outliers:         res.Stats.Outliers,
		Duplicates:       res.Stats.Duplicates,
		Unmatched:        len(t.Unmatched),
		SHA256:           h.SHA256,
		FetchedAt:        h.FetchedAt,
		FromCache:        h.FromCache,
		RunID:            b.runID,
	}
	countries := map[model.CountryID]bool{}
	for _, r := range res.Rows {
		if !r.IsMappable {
			continue
		}
		countries[r.Country] = true
		if !d.HasYears || r.Year < d.MinYear {
			d.MinYear = r.Year
		}
		if !d.HasYears || r.Year > d.MaxYear {
			d.MaxYear = r.Year
		}
		d.HasYears = true
	}
	d.MappableCountries = len(countries)
	return d
}
