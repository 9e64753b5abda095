package main

import (
	"context"
	"fmt"

	"okavango/internal/config"
	"okavango/internal/metrics"
	"okavango/internal/metrics/datadog"
	"okavango/internal/metrics/prompush"
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// pushCloser pushes the gathered metrics once on Close.
type pushCloser struct {
	*prompush.Backend
}

func (p pushCloser) Close() error { return p.Flush() }

// newMetricsBackend builds the backend named by p.Metrics.Backend.
//
// Datadog buffers metrics and submits periodically (FlushEvery), then once
// more on Close. The Pushgateway backend pushes once, at Close.
func newMetricsBackend(ctx context.Context, p config.Pipeline) (backendCloser, error) {
	switch p.Metrics.Backend {
	case "", "none":
		return nil, nil
	case "pushgateway":
		b, err := prompush.NewBackend(p.Job, p.Metrics.PushgatewayURL)
		if err != nil {
			return nil, err
		}
		return pushCloser{b}, nil
	case "datadog":
		return datadog.NewBackend(ctx, datadog.Options{
			JobName:    p.Job,
			Tags:       p.Metrics.Tags,
			FlushEvery: p.Metrics.FlushEvery.Std(),
		})
	default:
		return nil, fmt.Errorf("metrics: unknown backend %q", p.Metrics.Backend)
	}
}
