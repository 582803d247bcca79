package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt/mock"
)

const waitTimeout = 2 * time.Second

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pushed struct {
	ID      string
	Event   string
	Payload any
}

// fakePusher records every push in order.
type fakePusher struct {
	mu   sync.Mutex
	msgs []pushed
}

func (p *fakePusher) Push(_ context.Context, id, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, pushed{ID: id, Event: event, Payload: payload})
	return nil
}

func (p *fakePusher) sent(id string) []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pushed
	for _, m := range p.msgs {
		if m.ID == id {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePusher) count(id, event string) int {
	n := 0
	for _, m := range p.sent(id) {
		if m.Event == event {
			n++
		}
	}
	return n
}

// waitFor polls until id has received event and returns the latest one.
func (p *fakePusher) waitFor(t *testing.T, id, event string) pushed {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		msgs := p.sent(id)
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Event == event {
				return msgs[i]
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never received %s; got %+v", id, event, p.sent(id))
	return pushed{}
}

// last returns the most recent push to id.
func (p *fakePusher) last(t *testing.T, id string) pushed {
	t.Helper()
	msgs := p.sent(id)
	if len(msgs) == 0 {
		t.Fatalf("nothing pushed to %s", id)
	}
	return msgs[len(msgs)-1]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// newTestRegistry returns a registry opening streams on p through a real
// Connector. Nothing drains the connector's events.
func newTestRegistry(t *testing.T, p *mock.Provider, clock *fakeClock) (*Registry, *Connector) {
	t.Helper()
	m := testMetrics(t)
	conn := NewConnector(p, ConnectorConfig{Metrics: m, EventBuffer: 1024})
	t.Cleanup(conn.Close)
	reg := NewRegistry(conn, RegistryConfig{IdleTimeout: time.Minute, Metrics: m, Now: clock.Now})
	return reg, conn
}
