package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"okavango/internal/metrics"
)

func TestNewBackend_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:9091", "ftp://x", "http://"} {
		if _, err := NewBackend("job", u); err == nil {
			t.Fatalf("NewBackend(%q) err=nil, want error", u)
		}
	}
}

func TestBackend_RecordsAndPushes(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("okavango_test", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend err=%v", err)
	}

	b.IncCounter(metrics.RowsTotal, 4, metrics.Labels{"job": "x", "dataset": "forest_change", "kind": "mappable"})
	b.IncCounter(metrics.RowsTotal, 0, metrics.Labels{"dataset": "forest_change", "kind": "mappable"})
	b.IncCounter("unknown_total", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, (250 * time.Millisecond).Seconds(), metrics.Labels{"step": "merge", "status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, metrics.Labels{"step": "merge", "status": "ok"})

	if got := testutil.ToFloat64(b.counters[metrics.RowsTotal].vec.WithLabelValues("forest_change", "mappable")); got != 4 {
		t.Fatalf("rows counter=%v, want 4", got)
	}
	if n := testutil.CollectAndCount(b.histograms[metrics.StepDurationSeconds].vec); n != 1 {
		t.Fatalf("histogram series=%d, want 1", n)
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush err=%v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "PUT /metrics/job/okavango_test" {
		t.Fatalf("push requests=%v", paths)
	}
	if len(bodies[0]) == 0 {
		t.Fatalf("empty push body")
	}
}

func TestBackend_FlushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend err=%v", err)
	}
	err = b.Flush()
	if err == nil || !strings.Contains(err.Error(), "prompush: push") {
		t.Fatalf("Flush err=%v, want push error", err)
	}
}
