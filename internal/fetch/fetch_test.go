package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"okavango/internal/catalog"
	"okavango/internal/logging"
)

const forestCSV = "Entity,Code,Year,Annual change in forest area\nBrazil,BRA,2010,-0.4\n"

func newTestFetcher(t *testing.T, opts Options) *Fetcher {
	t.Helper()
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func csvServer(t *testing.T, hits *atomic.Int64, ct, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("missing User-Agent")
		}
		if ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFetch_StoresBody(t *testing.T) {
	srv := csvServer(t, nil, "text/csv; charset=utf-8", forestCSV, http.StatusOK)
	f := newTestFetcher(t, Options{})

	h, err := f.Fetch(context.Background(), catalog.Source{Key: "forest_change", URL: srv.URL, Kind: catalog.KindCSV})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if h.Path != f.Path(catalog.Source{Key: "forest_change"}) || filepath.Base(h.Path) != "forest_change.csv" {
		t.Fatalf("Path=%q", h.Path)
	}
	b, err := os.ReadFile(h.Path)
	if err != nil || string(b) != forestCSV {
		t.Fatalf("cached body=%q err=%v", b, err)
	}
	if h.Size != int64(len(forestCSV)) || h.SHA256 != sha(forestCSV) || h.FromCache {
		t.Fatalf("handle=%+v", h)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(h.Path))
	if len(entries) != 1 {
		t.Fatalf("cache dir has %d entries, want 1", len(entries))
	}
}

func TestFetch_Non2xxIsRetrievalError(t *testing.T) {
	srv := csvServer(t, nil, "text/plain", "boom", http.StatusInternalServerError)
	f := newTestFetcher(t, Options{})

	_, err := f.Fetch(context.Background(), catalog.Source{Key: "deforestation", URL: srv.URL})
	var re *RetrievalError
	if !errors.As(err, &re) {
		t.Fatalf("err=%T %v, want *RetrievalError", err, err)
	}
	if re.StatusCode != http.StatusInternalServerError || re.Key != "deforestation" {
		t.Fatalf("RetrievalError=%+v", re)
	}
	if _, err := os.Stat(f.Path(catalog.Source{Key: "deforestation"})); !os.IsNotExist(err) {
		t.Fatalf("failed fetch must not create a cache file")
	}
}

func TestFetch_FailureKeepsPreviousCopy(t *testing.T) {
	dir := t.TempDir()
	src := catalog.Source{Key: "land_degraded", Kind: catalog.KindCSV}
	prev := filepath.Join(dir, "land_degraded.csv")
	if err := os.WriteFile(prev, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := csvServer(t, nil, "", "", http.StatusNotFound)
	src.URL = srv.URL
	f := newTestFetcher(t, Options{CacheDir: dir})
	if _, err := f.Fetch(context.Background(), src); err == nil {
		t.Fatalf("expected error")
	}
	if b, _ := os.ReadFile(prev); string(b) != "old" {
		t.Fatalf("previous copy overwritten: %q", b)
	}
}

func TestFetch_HTMLIsFormatErrorWithTitle(t *testing.T) {
	page := "<html><head><title>  Just a\n moment... </title></head><body>challenge</body></html>"
	srv := csvServer(t, nil, "text/html; charset=utf-8", page, http.StatusOK)
	f := newTestFetcher(t, Options{})

	_, err := f.Fetch(context.Background(), catalog.Source{Key: "land_protected", URL: srv.URL, Kind: catalog.KindCSV})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err=%T %v, want *FormatError", err, err)
	}
	if fe.Got != "text/html" || fe.Title != "Just a moment..." {
		t.Fatalf("FormatError=%+v", fe)
	}
}

func TestFetch_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()

	f := newTestFetcher(t, Options{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), catalog.Source{Key: "marine_protected", URL: u})
	var re *RetrievalError
	if !errors.As(err, &re) || re.StatusCode != 0 || re.Err == nil {
		t.Fatalf("err=%v, want transport RetrievalError", err)
	}
}

func TestFetch_MaxAgeReusesCache(t *testing.T) {
	var hits atomic.Int64
	srv := csvServer(t, &hits, "text/csv", forestCSV, http.StatusOK)
	clk := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	src := catalog.Source{Key: "forest_change", URL: srv.URL, Kind: catalog.KindCSV}
	dir := t.TempDir()

	f := newTestFetcher(t, Options{CacheDir: dir, MaxAge: time.Hour, Clock: clk})
	ctx := context.Background()

	if _, err := f.Fetch(ctx, src); err != nil {
		t.Fatal(err)
	}
	clk.Advance(30 * time.Minute)
	h, err := f.Fetch(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if !h.FromCache || hits.Load() != 1 {
		t.Fatalf("FromCache=%v hits=%d, want cached with 1 hit", h.FromCache, hits.Load())
	}
	if h.SHA256 != sha(forestCSV) {
		t.Fatalf("cached SHA256=%s", h.SHA256)
	}

	clk.Advance(time.Hour)
	if h, _ := f.Fetch(ctx, src); h.FromCache || hits.Load() != 2 {
		t.Fatalf("stale cache reused: FromCache=%v hits=%d", h.FromCache, hits.Load())
	}

	forced := newTestFetcher(t, Options{CacheDir: dir, MaxAge: time.Hour, Clock: clk, ForceRefresh: true})
	if h, _ := forced.Fetch(ctx, src); h.FromCache || hits.Load() != 3 {
		t.Fatalf("force refresh reused cache: FromCache=%v hits=%d", h.FromCache, hits.Load())
	}
}

func TestFetch_Offline(t *testing.T) {
	dir := t.TempDir()
	f := newTestFetcher(t, Options{CacheDir: dir, Offline: true})
	src := catalog.Source{Key: "deforestation", URL: "http://127.0.0.1:1/never", Kind: catalog.KindCSV}

	_, err := f.Fetch(context.Background(), src)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("err=%v, want ErrOffline", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "deforestation.csv"), []byte(forestCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := f.Fetch(context.Background(), src)
	if err != nil || !h.FromCache || h.Size != int64(len(forestCSV)) {
		t.Fatalf("offline fetch: h=%+v err=%v", h, err)
	}
}

func TestFetch_FileURL(t *testing.T) {
	srcDir := t.TempDir()
	p := filepath.Join(srcDir, "countries.geojson")
	body := `{"type":"FeatureCollection","features":[]}`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newTestFetcher(t, Options{})

	h, err := f.Fetch(context.Background(), catalog.Source{Key: catalog.GeometryKey, URL: "file://" + p, Kind: catalog.KindGeoJSON})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if filepath.Base(h.Path) != "geometry.geojson" || h.ContentType != "application/geo+json" || h.SHA256 != sha(body) {
		t.Fatalf("handle=%+v", h)
	}
}

func TestFetch_HungServerTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, Options{Timeout: 200 * time.Millisecond})
	start := time.Now()
	_, err := f.Fetch(context.Background(), catalog.Source{Key: "forest_change", URL: srv.URL, Kind: catalog.KindCSV})
	elapsed := time.Since(start)

	var re *RetrievalError
	if !errors.As(err, &re) || re.StatusCode != 0 {
		t.Fatalf("err=%T %v, want transport *RetrievalError", err, err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Fetch took %v, want it bounded by the 200ms timeout", elapsed)
	}
}

func TestFetch_MissingContentTypeIsFormatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A nil entry stops net/http from sniffing a type.
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte(forestCSV))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, Options{})
	src := catalog.Source{Key: "forest_change", URL: srv.URL, Kind: catalog.KindCSV}
	_, err := f.Fetch(context.Background(), src)
	var fe *FormatError
	if !errors.As(err, &fe) || !errors.Is(err, errNoContentType) {
		t.Fatalf("err=%T %v, want *FormatError for a missing Content-Type", err, err)
	}
	if _, err := os.Stat(f.Path(src)); !os.IsNotExist(err) {
		t.Fatalf("rejected body must not be cached")
	}
}

func TestCheckType(t *testing.T) {
	src := catalog.Source{Key: "k", Kind: catalog.KindCSV}
	tests := []struct {
		ct string
		ok bool
	}{
		{"", false},
		{"  ", false},
		{"text/csv", true},
		{"text/csv; charset=utf-8", true},
		{"TEXT/CSV", true},
		{"application/octet-stream", true},
		{"text/html", false},
		{"application/json", false},
		{";;;", false},
	}
	for _, tt := range tests {
		if got := checkType(src, tt.ct) == nil; got != tt.ok {
			t.Fatalf("checkType(%q) ok=%v, want %v", tt.ct, got, tt.ok)
		}
	}
}
