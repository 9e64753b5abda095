package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"

	"okavango/internal/config"
	"okavango/internal/country"
	"okavango/internal/export"
	"okavango/internal/fetch"
	"okavango/internal/logging"
	"okavango/internal/metric"
	"okavango/internal/metrics"
	"okavango/internal/metrics/datadog"
	"okavango/internal/registry"
	"okavango/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "okavango/internal/storage/all"
)

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject an HTTP client, a fake clock or a backend factory.
//   - Alternate runtimes: swap metrics backend or output sinks.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	Client *http.Client
	Clock  clockwork.Clock
	Getenv func(string) string

	// BackendFactory builds the metrics backend named by the config. A nil
	// backend with a nil error means metrics are disabled.
	BackendFactory func(ctx context.Context, p config.Pipeline) (backendCloser, error)
	// OpenRepository opens the export sink.
	OpenRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
}

// runConfig holds the parsed flags.
type runConfig struct {
	ConfigPath string
	EnvFile    string
	Validate   bool
	Verbose    bool

	flags *pflag.FlagSet

	CacheDir        string
	ForceRefresh    bool
	Offline         bool
	Workers         int
	Timeout         time.Duration
	RefreshInterval time.Duration
	ExportKind      string
	ExportDSN       string
	MetricsBackend  string
	PushgatewayURL  string
	LogFormat       string
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		Getenv:         os.Getenv,
		BackendFactory: newMetricsBackend,
		OpenRepository: storage.New,
	})
	stop()
	os.Exit(code)
}

// run builds the dataset registry, prints a summary and exports it, then
// keeps refreshing while a refresh interval is configured.
//
// Exit codes:
//   - 0: at least one dataset is available.
//   - 1: every dataset failed, or the export failed.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Getenv == nil {
		d.Getenv = func(string) string { return "" }
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newMetricsBackend
	}
	if d.OpenRepository == nil {
		d.OpenRepository = storage.New
	}

	rc, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	if err := godotenv.Load(rc.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(d.Stderr, "load env file %s: %v\n", rc.EnvFile, err)
		return 2
	}

	p := config.Default()
	if rc.ConfigPath != "" {
		p, err = config.Load(rc.ConfigPath)
		if err != nil {
			fmt.Fprintln(d.Stderr, err.Error())
			return 2
		}
	}
	applyOverrides(&p, rc, d.Getenv)

	// Validate pipeline config.
	hasError := false
	for _, iss := range config.ValidatePipeline(p) {
		fmt.Fprintln(d.Stderr, iss.String())
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		fmt.Fprintln(d.Stderr, "configuration is invalid")
		return 2
	}
	if rc.Validate {
		fmt.Fprintln(d.Stdout, "configuration is valid")
		return 0
	}

	level := p.Logging.Level
	if rc.Verbose {
		level = "debug"
	}
	log := logging.New(logging.Config{Format: p.Logging.Format, Level: level, Writer: d.Stderr})

	backend, err := d.BackendFactory(ctx, p)
	if err != nil {
		log.Error("metrics: backend init failed", "backend", p.Metrics.Backend, "error", err)
		return 2
	}
	if backend != nil {
		log.Info("metrics: enabled", "backend", p.Metrics.Backend, "job", p.Job)
		metrics.SetBackend(backend)
		defer func() {
			if err := backend.Close(); err != nil {
				log.Error("metrics: close/flush error", "error", err)
			}
			metrics.SetBackend(nil)
		}()
	}

	normalizer, err := country.New(country.Options{Aliases: p.Country.Aliases})
	if err != nil {
		log.Error("country normalizer", "error", err)
		return 2
	}
	fetcher, err := fetch.New(fetch.Options{
		CacheDir:     p.Cache.Dir,
		Timeout:      p.Cache.Timeout.Std(),
		MaxAge:       p.Cache.MaxAge.Std(),
		ForceRefresh: rc.ForceRefresh,
		Offline:      rc.Offline,
		Client:       d.Client,
		Clock:        d.Clock,
		Job:          p.Job,
		Logger:       logging.Component(log, "fetch"),
	})
	if err != nil {
		log.Error("fetcher", "error", err)
		return 2
	}

	buildCfg := registry.Config{
		Catalog:    p.Catalog(),
		Fetcher:    fetcher,
		Normalizer: normalizer,
		Detector:   metric.Detector{MinCoverage: p.Detect.MinCoverage},
		OutlierK:   p.Preprocess.OutlierIQRMultiplier,
		Workers:    p.Runtime.Workers,
		Job:        p.Job,
		Clock:      d.Clock,
		Logger:     logging.Component(log, "registry"),
	}
	if len(p.Geometry.IDProperties) > 0 {
		buildCfg.Geometry.IDProperties = p.Geometry.IDProperties
	}
	build := func(ctx context.Context) (*registry.Registry, error) {
		return registry.Build(ctx, buildCfg)
	}

	start := d.Clock.Now()
	reg, err := build(ctx)
	if err != nil {
		log.Error("registry build failed", "error", err)
		return 2
	}
	writeSummary(d.Stdout, reg)

	publish := func(ctx context.Context, reg *registry.Registry) error {
		if p.Export.Kind == "" {
			return nil
		}
		return exportRegistry(ctx, d, p.Export, reg, logging.Component(log, "export"))
	}
	if err := publish(ctx, reg); err != nil {
		log.Error("export failed", "kind", p.Export.Kind, "error", err)
		return 1
	}
	log.Info("completed", "available", len(reg.ListDatasets()), "failed", len(reg.Failures()),
		"took", d.Clock.Since(start).Truncate(time.Millisecond))

	if every := p.Runtime.RefreshInterval.Std(); every > 0 {
		r := registry.NewRefresher(reg, build, every, d.Clock, logging.Component(log, "refresh"))
		r.OnSwap = func(next *registry.Registry) {
			writeSummary(d.Stdout, next)
			if err := publish(ctx, next); err != nil {
				log.Error("export failed", "kind", p.Export.Kind, "error", err)
			}
		}
		log.Info("refreshing", "every", every)
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("refresher stopped", "error", err)
		}
		reg = r.Current()
	}

	if len(reg.ListDatasets()) == 0 {
		return 1
	}
	return 0
}

// parseFlags parses command arguments into a runConfig.
//
// Errors:
//   - Returns an error for unknown flags, bad values or stray arguments.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	flags := pflag.NewFlagSet("okavango", pflag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	flags.SetOutput(&usageBuf)
	flags.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", flags.Name())
		flags.PrintDefaults()
	}

	var rc runConfig
	flags.StringVarP(&rc.ConfigPath, "config", "c", "", "pipeline config path (.json, .yaml or .yml); empty uses defaults")
	flags.StringVar(&rc.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.BoolVar(&rc.Validate, "validate", false, "validate the configuration and exit")
	flags.BoolVarP(&rc.Verbose, "verbose", "v", false, "enable debug logs")

	flags.StringVar(&rc.CacheDir, "cache-dir", "", "directory for fetched files")
	flags.BoolVar(&rc.ForceRefresh, "force-refresh", false, "ignore cache.max_age and fetch every source")
	flags.BoolVar(&rc.Offline, "offline", false, "serve sources only from the cache")
	flags.IntVar(&rc.Workers, "workers", 0, "number of concurrent dataset pipelines")
	flags.DurationVar(&rc.Timeout, "timeout", 0, "HTTP timeout per source (e.g. 60s)")
	flags.DurationVar(&rc.RefreshInterval, "refresh-interval", 0, "rebuild interval; 0 builds once")
	flags.StringVar(&rc.ExportKind, "export-kind", "", "export sink: sqlite, postgres or mssql")
	flags.StringVar(&rc.ExportDSN, "export-dsn", "", "export sink DSN")
	flags.StringVar(&rc.MetricsBackend, "metrics-backend", "", "metrics backend: datadog, pushgateway or none")
	flags.StringVar(&rc.PushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flags.StringVar(&rc.LogFormat, "log-format", "", "log format: text, plain or json")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n%s", err, usageBuf.String())
	}
	if flags.NArg() > 0 {
		return runConfig{}, fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}
	rc.flags = flags
	return rc, nil
}

// applyOverrides layers explicitly set flags, then environment fallbacks,
// over the loaded config.
func applyOverrides(p *config.Pipeline, rc runConfig, getenv func(string) string) {
	changed := func(name string) bool { return rc.flags != nil && rc.flags.Changed(name) }

	if changed("cache-dir") {
		p.Cache.Dir = rc.CacheDir
	}
	if changed("workers") {
		p.Runtime.Workers = rc.Workers
	}
	if changed("timeout") {
		p.Cache.Timeout = config.Duration(rc.Timeout)
	}
	if changed("refresh-interval") {
		p.Runtime.RefreshInterval = config.Duration(rc.RefreshInterval)
	}
	if changed("export-kind") {
		p.Export.Kind = rc.ExportKind
	}
	if changed("export-dsn") {
		p.Export.DSN = rc.ExportDSN
	}
	if changed("log-format") {
		p.Logging.Format = rc.LogFormat
	}

	// Metrics backend: flag → config → env.
	switch {
	case changed("metrics-backend"):
		p.Metrics.Backend = rc.MetricsBackend
	case p.Metrics.Backend == "" || p.Metrics.Backend == "none":
		if v := getenv("METRICS_BACKEND"); v != "" {
			p.Metrics.Backend = v
		}
	}
	// Pushgateway URL: flag → config → env → default.
	if changed("pushgateway-url") {
		p.Metrics.PushgatewayURL = rc.PushgatewayURL
	}
	if p.Metrics.PushgatewayURL == "" {
		p.Metrics.PushgatewayURL = getenv("PUSHGATEWAY_URL")
	}
	if p.Metrics.PushgatewayURL == "" {
		p.Metrics.PushgatewayURL = "http://localhost:9091"
	}
	p.Metrics.Tags = append(p.Metrics.Tags, datadog.ParseTagsCSV(getenv("METRICS_TAGS"))...)
	if p.Export.DSN == "" {
		p.Export.DSN = getenv("OKAVANGO_EXPORT_DSN")
	}
}

// exportRegistry opens the configured sink, writes reg and closes the sink.
func exportRegistry(ctx context.Context, d deps, cfg config.Export, reg *registry.Registry, log *slog.Logger) error {
	repo, err := d.OpenRepository(ctx, storage.Config{Kind: cfg.Kind, DSN: cfg.DSN})
	if err != nil {
		return err
	}
	defer repo.Close()

	res, err := export.Export(ctx, repo, reg, cfg.TablePrefix, log)
	if err != nil {
		return err
	}
	log.Info("export complete", "kind", cfg.Kind, "tables", res.Tables, "rows", res.Rows)
	return nil
}
