package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reaper periodically evicts idle, unattached sessions from a [Registry].
type Reaper struct {
	reg      *Registry
	interval atomic.Int64
	reset    chan struct{}
}

// NewReaper returns a Reaper sweeping reg every interval.
func NewReaper(reg *Registry, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r := &Reaper{reg: reg, reset: make(chan struct{}, 1)}
	r.interval.Store(int64(interval))
	return r
}

// Interval returns the current sweep interval.
func (r *Reaper) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// SetInterval changes the sweep interval. A running reaper picks it up
// without waiting for the current tick.
func (r *Reaper) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.interval.Store(int64(d))
	select {
	case r.reset <- struct{}{}:
	default:
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.reset:
			t.Reset(r.Interval())
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and logs the outcome.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	res := r.reg.Sweep(ctx, r.reg.now())
	for _, key := range res.Reaped {
		slog.Info("reaped idle session", "session", key)
	}

	level := slog.LevelDebug
	if len(res.Reaped) > 0 {
		level = slog.LevelInfo
	}
	slog.Log(ctx, level, "session stats",
		"sessions", res.Sessions,
		"transports", res.Transports,
		"upstreams", res.Upstreams,
		"reaped", len(res.Reaped),
	)
	return res
}
