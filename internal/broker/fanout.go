package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// outboxLimit caps the transcripts waiting for one connection. Newer
// transcripts are dropped while a connection is this far behind.
const outboxLimit = 256

// Dispatcher drains the fan-in channel on a single goroutine and hands
// transcripts to a per-connection outbox. Each outbox is written by its own
// goroutine, so a slow connection only delays itself and every connection
// sees transcripts in the provider's order.
type Dispatcher struct {
	reg     *Registry
	events  <-chan UpstreamEvent
	pusher  Pusher
	metrics *observe.Metrics

	mu      sync.Mutex
	outbox  map[string]*outbox
	writers sync.WaitGroup
}

type outbox struct {
	pending []TranscriptionPayload
}

// NewDispatcher returns a Dispatcher reading events and routing through reg.
func NewDispatcher(reg *Registry, events <-chan UpstreamEvent, pusher Pusher, metrics *observe.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		reg:     reg,
		events:  events,
		pusher:  pusher,
		metrics: metrics,
		outbox:  make(map[string]*outbox),
	}
}

// Run handles events until ctx is cancelled or the channel is closed. It
// returns once every outbox writer has exited.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.writers.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-d.events:
			if !ok {
				return nil
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev UpstreamEvent) {
	kind := ev.Event.Kind
	d.metrics.RecordUpstreamEvent(ctx, kind.String())
	log := observe.SessionLogger(ctx, ev.Key).With("gen", ev.Gen)

	rt, ok := d.reg.route(ctx, ev)
	if !ok {
		log.Debug("dropping event from replaced upstream", "kind", kind)
		return
	}

	switch kind {
	case stt.EventOpened:
		log.Debug("upstream ready")
	case stt.EventMetadata:
		log.Debug("upstream metadata received")
	case stt.EventTranscript:
		d.deliver(ctx, log, rt.subscribers, ev.Event.Transcript)
	case stt.EventError:
		log.Error("upstream error", "err", ev.Event.Err)
	case stt.EventClosed:
		if rt.ended == nil {
			log.Debug("replaced upstream drained")
			return
		}
		if ev.Event.Err != nil {
			log.Warn("upstream closed by provider", "err", ev.Event.Err)
		} else {
			log.Info("upstream closed by provider")
		}
		if err := rt.ended.Close(); err != nil {
			log.Debug("releasing closed upstream", "err", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, subscribers []string, tr stt.Transcript) {
	if strings.TrimSpace(tr.Text) == "" {
		return
	}
	if len(subscribers) == 0 {
		log.Warn("no attached connections, transcript dropped")
		return
	}
	log.Debug("transcript", "final", tr.IsFinal, "chars", len(tr.Text), "targets", len(subscribers))

	payload := TranscriptionPayload{Transcription: tr.Text}
	for _, id := range subscribers {
		d.enqueue(ctx, log, id, payload)
	}
}

// enqueue appends payload to id's outbox and starts its writer if idle.
func (d *Dispatcher) enqueue(ctx context.Context, log *slog.Logger, id string, payload TranscriptionPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ob, ok := d.outbox[id]
	if !ok {
		ob = &outbox{}
		d.outbox[id] = ob
		d.writers.Add(1)
		go d.write(ctx, log.With("transport_id", id), id, ob)
	}
	if len(ob.pending) >= outboxLimit {
		log.Warn("connection too far behind, transcript dropped", "transport_id", id, "pending", len(ob.pending))
		return
	}
	ob.pending = append(ob.pending, payload)
}

// write pushes ob's transcripts in order and exits once the outbox is empty.
func (d *Dispatcher) write(ctx context.Context, log *slog.Logger, id string, ob *outbox) {
	defer d.writers.Done()
	for {
		d.mu.Lock()
		if len(ob.pending) == 0 {
			delete(d.outbox, id)
			d.mu.Unlock()
			return
		}
		payload := ob.pending[0]
		ob.pending = ob.pending[1:]
		d.mu.Unlock()

		if err := d.pusher.Push(ctx, id, EventTranscriptionUpdate, payload); err != nil {
			log.Warn("transcript push failed", "err", err)
			continue
		}
		d.metrics.TranscriptsDelivered.Add(ctx, 1)
	}
}

// flush waits until every queued transcript has been pushed.
func (d *Dispatcher) flush() {
	d.writers.Wait()
}
