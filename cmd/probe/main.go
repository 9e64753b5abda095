// Command probe samples one published table and reports how the pipeline
// would read it.
//
// It is intended for vetting a new source before adding it to a pipeline
// config. It fetches the table (http(s) URL, file:// URL or bare local path),
// classifies every column and scores the numeric coverage of each metric
// candidate, then prints:
//
//   - A report table: column, role, numeric/total cells, coverage and the
//     column the detector selects.
//   - With -json, a config.Source snippet ready to paste under "sources".
//
// Exit codes:
//   - 0: a metric column was detected.
//   - 1: the table has no entity/year column or no candidate reaches the
//     minimum coverage.
//   - 2: usage, fetch or parse error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"

	"okavango/internal/catalog"
	"okavango/internal/config"
	"okavango/internal/fetch"
	"okavango/internal/logging"
	"okavango/internal/metric"
	csvparse "okavango/internal/parser/csv"
)

type probeConfig struct {
	URL         string
	Key         string
	Label       string
	Rows        int
	MinCoverage float64
	CacheDir    string
	Timeout     time.Duration
	JSON        bool
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run probes one source and returns an exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	src, err := sourceFor(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir, err = os.MkdirTemp("", "okavango-probe-")
		if err != nil {
			fmt.Fprintf(stderr, "probe: temp dir: %v\n", err)
			return 2
		}
		defer os.RemoveAll(cacheDir)
	}

	f, err := fetch.New(fetch.Options{
		CacheDir:     cacheDir,
		Timeout:      cfg.Timeout,
		ForceRefresh: true,
		Job:          "okavango_probe",
		Logger:       logging.Discard(),
	})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	h, err := f.Fetch(ctx, src)
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 2
	}
	rc, err := h.Open()
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 2
	}
	defer rc.Close()

	table, err := csvparse.ReadTable(ctx, rc, csvparse.Options{LazyQuotes: true})
	if err != nil {
		fmt.Fprintf(stderr, "probe: read %s: %v\n", src.URL, err)
		return 2
	}

	sample := table.Sample(cfg.Rows)
	det := metric.Detector{MinCoverage: cfg.MinCoverage}
	schema, derr := det.Schema(table.Columns, sample)

	writeReport(stdout, table.Columns, sample, schema, derr == nil)
	fmt.Fprintf(stdout, "rows=%d sampled=%d skipped=%d sha256=%s\n", len(table.Rows), len(sample), table.Skipped, h.SHA256)

	if derr != nil {
		var se *metric.SchemaError
		var nm *metric.NoMetricFoundError
		switch {
		case errors.As(derr, &se), errors.As(derr, &nm):
			fmt.Fprintf(stderr, "probe: %v\n", derr)
			return 1
		default:
			fmt.Fprintf(stderr, "probe: %v\n", derr)
			return 2
		}
	}

	fmt.Fprintf(stdout, "metric=%s normalized=%s coverage=%.2f\n", schema.Metric.Name, schema.Metric.Normalized, schema.Metric.Coverage)
	if cfg.JSON {
		snippet := config.Source{Key: src.Key, Label: src.Label, URL: src.URL}
		b, err := json.MarshalIndent(snippet, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "probe: %v\n", err)
			return 2
		}
		fmt.Fprintln(stdout, string(b))
	}
	return 0
}

// parseFlags parses command arguments into a probeConfig.
//
// Errors:
//   - Returns an error for invalid/missing required flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (probeConfig, error) {
	flags := pflag.NewFlagSet("probe", pflag.ContinueOnError)

	var usageBuf strings.Builder
	flags.SetOutput(&usageBuf)

	var cfg probeConfig
	flags.StringVar(&cfg.URL, "url", "", "URL or path of the CSV table")
	flags.StringVar(&cfg.Key, "key", "probe", "dataset key used for the cache file and the config snippet")
	flags.StringVar(&cfg.Label, "label", "", "dataset label for the config snippet; defaults to -key")
	flags.IntVar(&cfg.Rows, "rows", 0, "rows sampled for metric detection; 0 samples every row")
	flags.Float64Var(&cfg.MinCoverage, "min-coverage", metric.DefaultMinCoverage, "minimum numeric share for the metric column")
	flags.StringVar(&cfg.CacheDir, "cache-dir", "", "keep the fetched file in this directory instead of a temp dir")
	flags.DurationVar(&cfg.Timeout, "timeout", fetch.DefaultTimeout, "HTTP timeout")
	flags.BoolVar(&cfg.JSON, "json", false, "print a config source snippet after the report")

	if err := flags.Parse(args); err != nil {
		return probeConfig{}, fmt.Errorf("%v\n%s", err, usageBuf.String())
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return probeConfig{}, errors.New("missing required --url")
	}
	if cfg.Rows < 0 {
		return probeConfig{}, errors.New("--rows must be >= 0")
	}
	if cfg.MinCoverage <= 0 || cfg.MinCoverage > 1 {
		return probeConfig{}, fmt.Errorf("--min-coverage must be in (0, 1], got %v", cfg.MinCoverage)
	}
	if cfg.Label == "" {
		cfg.Label = cfg.Key
	}
	return cfg, nil
}

// sourceFor builds the catalog source for cfg. Bare paths become file URLs.
func sourceFor(cfg probeConfig) (catalog.Source, error) {
	raw := cfg.URL
	if u, err := url.Parse(raw); err != nil || u.Scheme == "" {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return catalog.Source{}, err
		}
		raw = (&url.URL{Scheme: "file", Path: abs}).String()
	}
	src := catalog.Source{Key: cfg.Key, Label: cfg.Label, URL: raw, Kind: catalog.KindCSV}
	c := catalog.Catalog{Datasets: []catalog.Source{src}, Geometry: catalog.Default().Geometry}
	if err := c.Validate(); err != nil {
		return catalog.Source{}, err
	}
	return src, nil
}

// writeReport renders one row per column.
func writeReport(w io.Writer, columns []string, sample [][]string, schema metric.Schema, detected bool) {
	roles := metric.ClassifyRoles(columns)

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"#", "Column", "Role", "Numeric", "Total", "Coverage", "Metric"})

	for i, col := range columns {
		role := roles.ByColumn[i]
		numeric, total, cov := "-", "-", "-"
		if role == metric.RoleCandidate {
			vals := make([]string, len(sample))
			for j, row := range sample {
				if i < len(row) {
					vals[j] = row[i]
				}
			}
			n, t := metric.Score(vals)
			numeric, total = strconv.Itoa(n), strconv.Itoa(t)
			if t > 0 {
				cov = strconv.FormatFloat(float64(n)/float64(t), 'f', 2, 64)
			}
		}
		mark := ""
		if detected && schema.Metric.Index == i {
			mark = "*"
		}
		table.Append([]string{strconv.Itoa(i), col, role.String(), numeric, total, cov, mark})
	}
	table.Render()
}
