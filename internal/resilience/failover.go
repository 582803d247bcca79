package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

var (
	// ErrAllFailed is returned when every upstream in a [Failover] failed or
	// had an open breaker.
	ErrAllFailed = errors.New("resilience: every upstream failed")

	// ErrNoUpstreams is returned by [Failover.StartStream] before any
	// upstream was added.
	ErrNoUpstreams = errors.New("resilience: no upstreams configured")
)

type member struct {
	name     string
	provider stt.Provider
	breaker  *CircuitBreaker
}

// Failover is an [stt.Provider] that opens each stream on the first healthy
// upstream, in the order they were added. Every upstream gets its own
// [CircuitBreaker] so a dead primary is skipped without a handshake.
//
// Add all upstreams before the first StartStream.
type Failover struct {
	cfg     CircuitBreakerConfig
	members []member
}

var _ stt.Provider = (*Failover)(nil)

// NewFailover returns an empty Failover whose per-upstream breakers use cfg.
// cfg.Name is replaced by each upstream's name.
func NewFailover(cfg CircuitBreakerConfig) *Failover {
	return &Failover{cfg: cfg}
}

// Add appends an upstream.
func (f *Failover) Add(name string, p stt.Provider) {
	cbCfg := f.cfg
	cbCfg.Name = name
	f.members = append(f.members, member{name: name, provider: p, breaker: NewCircuitBreaker(cbCfg)})
}

// Names returns the upstream names in try order.
func (f *Failover) Names() []string {
	names := make([]string, len(f.members))
	for i, m := range f.members {
		names[i] = m.name
	}
	return names
}

// State returns the breaker state of the named upstream.
func (f *Failover) State(name string) (State, bool) {
	for _, m := range f.members {
		if m.name == name {
			return m.breaker.State(), true
		}
	}
	return StateClosed, false
}

// StartStream opens a stream on the first upstream that accepts it. A
// cancelled or expired ctx stops the walk.
func (f *Failover) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if len(f.members) == 0 {
		return nil, ErrNoUpstreams
	}
	var lastErr error
	for _, m := range f.members {
		h, err := Call(m.breaker, func() (stt.SessionHandle, error) {
			return m.provider.StartStream(ctx, cfg)
		})
		if err == nil {
			return h, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping upstream, circuit open", "upstream", m.name)
			continue
		}
		slog.Warn("upstream open failed, trying next", "upstream", m.name, "err", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
