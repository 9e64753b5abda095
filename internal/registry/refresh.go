package registry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// BuildFunc builds a fresh registry.
type BuildFunc func(ctx context.Context) (*Registry, error)

// Refresher rebuilds the registry on a fixed interval and swaps it in
// atomically. Readers call Current and keep using the registry they got.
type Refresher struct {
	build BuildFunc
	every time.Duration
	clock clockwork.Clock
	log   *slog.Logger
	cur   atomic.Pointer[Registry]

	// OnSwap, when set, is called after each successful swap.
	OnSwap func(*Registry)
}

// NewRefresher returns a Refresher serving initial.
func NewRefresher(initial *Registry, build BuildFunc, every time.Duration, clock clockwork.Clock, log *slog.Logger) *Refresher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Refresher{build: build, every: every, clock: clock, log: log}
	r.cur.Store(initial)
	return r
}

// Current returns the registry of the latest successful build.
func (r *Refresher) Current() *Registry { return r.cur.Load() }

// Run rebuilds every interval until ctx is done. A build that returns an
// error keeps the previous registry. Run returns ctx.Err().
func (r *Refresher) Run(ctx context.Context) error {
	if r.every <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := r.clock.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	next, err := r.build(ctx)
	if err != nil {
		r.log.Error("registry: refresh failed, keeping previous build", "error", err)
		return
	}
	prev := r.cur.Swap(next)
	prevID := ""
	if prev != nil {
		prevID = prev.RunID()
	}
	r.log.Info("registry: refreshed", "run_id", next.RunID(), "previous_run_id", prevID,
		"available", len(next.datasets), "failed", len(next.failures))
	if r.OnSwap != nil {
		r.OnSwap(next)
	}
}
