package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

var errConnectorClosed = errors.New("broker: connector closed")

// UpstreamEvent is a provider event tagged with the session and generation
// of the upstream that produced it.
type UpstreamEvent struct {
	Key   string
	Gen   uint64
	Event stt.Event
}

// ConnectorConfig holds the tunables for a [Connector].
type ConnectorConfig struct {
	// Stream is the recognition profile used for every upstream.
	Stream stt.StreamConfig

	// OpenTimeout bounds the provider handshake. Zero means no timeout.
	OpenTimeout time.Duration

	// EventBuffer is the capacity of the fan-in channel.
	EventBuffer int

	// Breaker, if set, guards every open.
	Breaker *resilience.CircuitBreaker

	Metrics *observe.Metrics
}

// Connector opens upstream streams and pumps their events into a single
// fan-in channel read by the [Dispatcher].
type Connector struct {
	provider stt.Provider
	stream   stt.StreamConfig
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	events chan UpstreamEvent
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	pumps  sync.WaitGroup
}

// NewConnector returns a Connector that opens streams on provider.
func NewConnector(provider stt.Provider, cfg ConnectorConfig) *Connector {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Connector{
		provider: provider,
		stream:   cfg.Stream,
		timeout:  cfg.OpenTimeout,
		breaker:  cfg.Breaker,
		metrics:  cfg.Metrics,
		events:   make(chan UpstreamEvent, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
}

// Events returns the fan-in channel.
func (c *Connector) Events() <-chan UpstreamEvent { return c.events }

// Open dials the provider for key and starts pumping the new stream's events
// tagged with gen. It implements [Opener].
func (c *Connector) Open(ctx context.Context, key string, gen uint64) (stt.SessionHandle, error) {
	ctx, span := observe.StartSessionSpan(ctx, "upstream.open", key)
	defer span.End()
	span.SetAttributes(attribute.Int64("gen", int64(gen)))
	log := observe.SessionLogger(ctx, key).With("gen", gen)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	dial := func() (stt.SessionHandle, error) { return c.provider.StartStream(ctx, c.stream) }
	var (
		h   stt.SessionHandle
		err error
	)
	if c.breaker != nil {
		h, err = resilience.Call(c.breaker, dial)
	} else {
		h, err = dial()
	}
	elapsed := time.Since(start).Seconds()

	if err != nil {
		status := "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status, elapsed = "circuit_open", 0
		}
		c.metrics.RecordUpstreamOpen(ctx, status, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("upstream open failed", "err", err)
		return nil, err
	}
	c.metrics.RecordUpstreamOpen(ctx, "ok", elapsed)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = h.Close()
		return nil, errConnectorClosed
	}
	c.pumps.Add(1)
	c.mu.Unlock()

	go c.pump(key, gen, h)
	log.Info("upstream opened", "took", time.Since(start).Round(time.Millisecond))
	return h, nil
}

// Close stops all pumps and waits for them to exit. Callers should close the
// upstreams first so no events are lost.
func (c *Connector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.pumps.Wait()
}

func (c *Connector) pump(key string, gen uint64, h stt.SessionHandle) {
	defer c.pumps.Done()
	events := h.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case c.events <- UpstreamEvent{Key: key, Gen: gen, Event: ev}:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}
