// Package metrics is the backend-neutral metrics facade used by the pipeline.
//
// Pipeline code calls the Record* helpers; a process installs one Backend at
// startup with SetBackend. Without a backend every call is a no-op, so tests
// and library users pay nothing.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends map these to their own naming schemes.
const (
	StepTotal           = "okavango_step_total"
	StepDurationSeconds = "okavango_step_duration_seconds"
	RowsTotal           = "okavango_rows_total"
	DatasetsTotal       = "okavango_datasets_total"

	HTTPRequestsTotal           = "okavango_http_requests_total"
	HTTPErrorsTotal             = "okavango_http_errors_total"
	HTTPRequestDurationSeconds  = "okavango_http_request_duration_seconds"
	HTTPResponseDurationSeconds = "okavango_http_response_duration_seconds"
	HTTPDownloadBytes           = "okavango_http_download_bytes"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. nil restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep counts one pipeline stage execution and its duration.
func RecordStep(job, step, status string, d time.Duration) {
	b := current()
	l := Labels{"job": job, "step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts rows of one kind for a dataset (e.g. "input",
// "rejected", "mappable", "outlier").
func RecordRows(job, dataset, kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"job": job, "dataset": dataset, "kind": kind})
}

// RecordDataset counts a dataset outcome ("ok" or the failing stage).
func RecordDataset(job, dataset, status string) {
	current().IncCounter(DatasetsTotal, 1, Labels{"job": job, "dataset": dataset, "status": status})
}

// RecordHTTP records one HTTP attempt. status 0 means no response was
// received. Negative durations and sizes are treated as unknown and skipped.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	b := current()
	s := "none"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": s}

	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status < 200 || status >= 300 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	if reqDur >= 0 {
		b.ObserveHistogram(HTTPRequestDurationSeconds, reqDur.Seconds(), l)
	}
	if respDur >= 0 {
		b.ObserveHistogram(HTTPResponseDurationSeconds, respDur.Seconds(), l)
	}
	if bytes >= 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}
