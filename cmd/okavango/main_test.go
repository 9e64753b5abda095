package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"okavango/internal/config"
	"okavango/internal/metrics"
)

var datasetKeys = []string{"forest_change", "deforestation", "land_protected", "land_degraded", "marine_protected"}

const countriesDoc = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"ISO_A3_EH":"BRA","ADMIN":"Brazil","REGION_UN":"Americas"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
{"type":"Feature","properties":{"ISO_A3_EH":"FRA","ADMIN":"France","REGION_UN":"Europe"},"geometry":{"type":"Polygon","coordinates":[[[2,0],[3,0],[3,1],[2,1],[2,0]]]}}
]}`

const valuesCSV = "Entity,Code,Year,value\nBrazil,BRA,2019,8\nBrazil,BRA,2020,10\nFrance,FRA,2020,20\nWorld,OWID_WRL,2020,15\n"

// testServer serves the geometry and every dataset. Keys in failing get a 500.
func testServer(t *testing.T, failing ...string) *httptest.Server {
	t.Helper()
	fail := map[string]bool{}
	for _, k := range failing {
		fail[k] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		key := strings.TrimSuffix(strings.TrimSuffix(name, ".csv"), ".geojson")
		if fail[key] {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		switch {
		case name == "countries.geojson":
			w.Header().Set("Content-Type", "application/geo+json")
			_, _ = w.Write([]byte(countriesDoc))
		case strings.HasSuffix(name, ".csv"):
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			_, _ = w.Write([]byte(valuesCSV))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a JSON pipeline config pointing every source at srv.
func writeConfig(t *testing.T, srv *httptest.Server, mutate func(*config.Pipeline)) string {
	t.Helper()
	dir := t.TempDir()
	p := config.Default()
	p.Cache.Dir = filepath.Join(dir, "cache")
	p.Logging.Format = "plain"
	p.Geometry.URL = srv.URL + "/countries.geojson"
	for _, k := range datasetKeys {
		p.Sources = append(p.Sources, config.Source{Key: k, URL: srv.URL + "/" + k + ".csv"})
	}
	if mutate != nil {
		mutate(&p)
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	path := filepath.Join(dir, "pipeline.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func testDeps(stdout, stderr *bytes.Buffer) deps {
	return deps{
		Stdout: stdout,
		Stderr: stderr,
		Client: &http.Client{Timeout: 5 * time.Second},
		BackendFactory: func(context.Context, config.Pipeline) (backendCloser, error) {
			return nil, nil
		},
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
		check   func(t *testing.T, rc runConfig)
	}{
		{
			name: "defaults",
			args: nil,
			check: func(t *testing.T, rc runConfig) {
				if rc.EnvFile != ".env" || rc.ConfigPath != "" || rc.Validate {
					t.Fatalf("defaults=%+v", rc)
				}
			},
		},
		{
			name: "short_config_and_verbose",
			args: []string{"-c", "p.yaml", "-v", "--workers", "8", "--timeout", "90s"},
			check: func(t *testing.T, rc runConfig) {
				if rc.ConfigPath != "p.yaml" || !rc.Verbose || rc.Workers != 8 || rc.Timeout != 90*time.Second {
					t.Fatalf("parsed=%+v", rc)
				}
			},
		},
		{name: "unknown_flag", args: []string{"--nope"}, wantErr: "unknown flag"},
		{name: "bad_duration", args: []string{"--refresh-interval", "soon"}, wantErr: "invalid argument"},
		{name: "stray_args", args: []string{"extra"}, wantErr: "unexpected arguments: extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rc, err := parseFlags(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseFlags()=%v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags(): %v", err)
			}
			tt.check(t, rc)
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	rc, err := parseFlags([]string{"--workers", "2", "--export-kind", "sqlite"})
	require.NoError(t, err)

	env := map[string]string{
		"METRICS_BACKEND":     "pushgateway",
		"PUSHGATEWAY_URL":     "http://gw:9091",
		"METRICS_TAGS":        "team:data, env:test",
		"OKAVANGO_EXPORT_DSN": "file:owid.db",
	}
	p := config.Default()
	p.Runtime.Workers = 6
	applyOverrides(&p, rc, func(k string) string { return env[k] })

	require.Equal(t, 2, p.Runtime.Workers)
	require.Equal(t, "sqlite", p.Export.Kind)
	require.Equal(t, "file:owid.db", p.Export.DSN)
	require.Equal(t, "pushgateway", p.Metrics.Backend)
	require.Equal(t, "http://gw:9091", p.Metrics.PushgatewayURL)
	require.Equal(t, []string{"team:data", "env:test"}, p.Metrics.Tags)
	// Unset flags keep config values.
	require.Equal(t, config.Default().Cache.Dir, p.Cache.Dir)
}

func TestApplyOverrides_FlagBeatsEnv(t *testing.T) {
	rc, err := parseFlags([]string{"--metrics-backend", "none"})
	require.NoError(t, err)
	p := config.Default()
	applyOverrides(&p, rc, func(k string) string {
		if k == "METRICS_BACKEND" {
			return "datadog"
		}
		return ""
	})
	require.Equal(t, "none", p.Metrics.Backend)
	require.Equal(t, "http://localhost:9091", p.Metrics.PushgatewayURL)
}

func TestRun_Validate(t *testing.T) {
	srv := testServer(t)
	cfg := writeConfig(t, srv, nil)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfg, "--validate", "--env-file", filepath.Join(t.TempDir(), "none.env")}, testDeps(&stdout, &stderr))
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "configuration is valid")
}

func TestRun_InvalidConfig(t *testing.T) {
	srv := testServer(t)
	cfg := writeConfig(t, srv, func(p *config.Pipeline) { p.Runtime.Workers = 0 })

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfg, "--env-file", filepath.Join(t.TempDir(), "none.env")}, testDeps(&stdout, &stderr))
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "runtime.workers")
}

func TestRun_MissingConfigFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "missing.json")}, testDeps(&stdout, &stderr))
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "read config")
}

func TestRun_BuildsAndExports(t *testing.T) {
	srv := testServer(t, "land_degraded")
	dbPath := filepath.Join(t.TempDir(), "owid.db")
	cfg := writeConfig(t, srv, func(p *config.Pipeline) {
		p.Export = config.Export{Kind: "sqlite", DSN: "file:" + dbPath, TablePrefix: "owid_"}
	})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfg, "--env-file", filepath.Join(t.TempDir(), "none.env")}, testDeps(&stdout, &stderr))
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	require.Contains(t, out, "forest_change")
	require.Contains(t, out, "available")
	require.Contains(t, out, "1 of 5 datasets failed: [land_degraded]")

	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "owid_datasets"`).Scan(&n))
	require.Equal(t, 4, n)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "owid_failures"`).Scan(&n))
	require.Equal(t, 1, n)

	var metric float64
	require.NoError(t, db.QueryRow(`SELECT "metric" FROM "owid_forest_change" WHERE "country_id" = 'FRA' AND "year" = 2020`).Scan(&metric))
	require.Equal(t, 20.0, metric)
}

func TestRun_AllDatasetsFail(t *testing.T) {
	srv := testServer(t, "countries")
	cfg := writeConfig(t, srv, nil)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfg, "--env-file", filepath.Join(t.TempDir(), "none.env")}, testDeps(&stdout, &stderr))
	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), "5 of 5 datasets failed")
}

func TestRun_VerboseLogsDebug(t *testing.T) {
	srv := testServer(t)
	cfg := writeConfig(t, srv, func(p *config.Pipeline) { p.Logging.Level = "info" })
	args := []string{"--config", cfg, "--env-file", filepath.Join(t.TempDir(), "none.env")}

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(context.Background(), args, testDeps(&stdout, &stderr)), stderr.String())
	require.NotContains(t, stderr.String(), "level=DEBUG")

	stdout.Reset()
	stderr.Reset()
	require.Equal(t, 0, run(context.Background(), append(args, "-v"), testDeps(&stdout, &stderr)), stderr.String())
	require.Contains(t, stderr.String(), "level=DEBUG")
	require.Contains(t, stderr.String(), "registry: metric detected")
}

type countingBackend struct {
	closed bool
	incs   atomic.Int64
}

func (b *countingBackend) IncCounter(string, float64, metrics.Labels) { b.incs.Add(1) }

func (b *countingBackend) ObserveHistogram(string, float64, metrics.Labels) {}

func (b *countingBackend) Close() error {
	b.closed = true
	return nil
}

func TestRun_MetricsBackendClosed(t *testing.T) {
	srv := testServer(t)
	cfg := writeConfig(t, srv, func(p *config.Pipeline) { p.Runtime.Workers = 1 })

	b := &countingBackend{}
	var stdout, stderr bytes.Buffer
	d := testDeps(&stdout, &stderr)
	d.BackendFactory = func(context.Context, config.Pipeline) (backendCloser, error) { return b, nil }

	code := run(context.Background(), []string{"--config", cfg, "--env-file", filepath.Join(t.TempDir(), "none.env")}, d)
	require.Equal(t, 0, code, stderr.String())
	require.True(t, b.closed)
	require.Positive(t, b.incs.Load())
}
