// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package.
//
// Metrics live in a private registry and are pushed (HTTP PUT, replacing the
// job's group) on every Flush. A one-shot run flushes once at exit; the
// refresher flushes after every rebuild.
package prompush

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"okavango/internal/metrics"
)

// Label sets per metric. The job is the Pushgateway grouping key, so it is not
// repeated as a metric label.
var (
	stepLabels    = []string{"step", "status"}
	rowLabels     = []string{"dataset", "kind"}
	datasetLabels = []string{"dataset", "status"}
	httpLabels    = []string{"status"}
)

type counter struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogram struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// Backend implements metrics.Backend on a prometheus.Registry.
type Backend struct {
	reg    *prometheus.Registry
	pusher *push.Pusher

	mu         sync.Mutex
	counters   map[string]counter
	histograms map[string]histogram
}

// NewBackend registers the pipeline metrics and prepares a pusher for
// gatewayURL under job.
//
// Errors:
//   - gatewayURL is not an absolute http(s) URL.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	if job == "" {
		job = "okavango"
	}
	u, err := url.Parse(gatewayURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("prompush: invalid pushgateway url %q", gatewayURL)
	}

	reg := prometheus.NewRegistry()
	b := &Backend{
		reg:        reg,
		counters:   map[string]counter{},
		histograms: map[string]histogram{},
	}

	b.addCounter(metrics.StepTotal, "Pipeline stage executions.", stepLabels)
	b.addCounter(metrics.RowsTotal, "Rows seen per dataset and kind.", rowLabels)
	b.addCounter(metrics.DatasetsTotal, "Dataset pipeline outcomes.", datasetLabels)
	b.addCounter(metrics.HTTPRequestsTotal, "HTTP fetch attempts.", httpLabels)
	b.addCounter(metrics.HTTPErrorsTotal, "HTTP fetch attempts that failed.", httpLabels)

	b.addHistogram(metrics.StepDurationSeconds, "Pipeline stage duration.", stepLabels, prometheus.DefBuckets)
	b.addHistogram(metrics.HTTPRequestDurationSeconds, "Time to response headers.", httpLabels, prometheus.DefBuckets)
	b.addHistogram(metrics.HTTPResponseDurationSeconds, "Time to full body.", httpLabels, prometheus.DefBuckets)
	b.addHistogram(metrics.HTTPDownloadBytes, "Response body size.", httpLabels, prometheus.ExponentialBuckets(1024, 4, 10))

	b.pusher = push.New(gatewayURL, job).Gatherer(reg)
	return b, nil
}

func (b *Backend) addCounter(name, help string, labels []string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	b.reg.MustRegister(vec)
	b.counters[name] = counter{vec: vec, labels: labels}
}

func (b *Backend) addHistogram(name, help string, labels []string, buckets []float64) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	b.reg.MustRegister(vec)
	b.histograms[name] = histogram{vec: vec, labels: labels}
}

func labelValues(names []string, l metrics.Labels) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = l[n]
	}
	return out
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	c, ok := b.counters[name]
	if !ok {
		return
	}
	c.vec.WithLabelValues(labelValues(c.labels, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	h, ok := b.histograms[name]
	if !ok {
		return
	}
	h.vec.WithLabelValues(labelValues(h.labels, labels)...).Observe(value)
}

// Flush pushes the current registry state. Pushes are serialized.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pusher.Push(); err != nil {
		return errors.Join(errors.New("prompush: push"), err)
	}
	return nil
}

// Gatherer exposes the registry, e.g. for a /metrics handler.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.reg }

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
