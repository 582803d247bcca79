package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/mock"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *fakePusher, *mock.Provider) {
	t.Helper()
	p := &mock.Provider{}
	reg, conn := newTestRegistry(t, p, newFakeClock())
	pusher := &fakePusher{}
	return NewDispatcher(reg, conn.Events(), pusher, testMetrics(t)), reg, pusher, p
}

func transcriptEvent(key string, gen uint64, text string) UpstreamEvent {
	return UpstreamEvent{Key: key, Gen: gen, Event: stt.Event{
		Kind:       stt.EventTranscript,
		Transcript: stt.Transcript{Text: text, IsFinal: true},
	}}
}

func TestDispatcher_DeliversToEveryAttachedConnection(t *testing.T) {
	t.Parallel()
	d, reg, pusher, _ := newTestDispatcher(t)
	ctx := context.Background()

	reg.Attach("tab-1", "alice")
	reg.Attach("tab-2", "alice")
	reg.Attach("tab-3", "bob")
	if _, _, err := reg.EnsureUpstream(ctx, "alice"); err != nil {
		t.Fatalf("EnsureUpstream: %v", err)
	}
	info, _ := reg.Lookup("alice")

	d.handle(ctx, transcriptEvent("alice", info.Gen, "first"))
	d.handle(ctx, transcriptEvent("alice", info.Gen, "second"))
	d.flush()

	for _, id := range []string{"tab-1", "tab-2"} {
		msgs := pusher.sent(id)
		if len(msgs) != 2 {
			t.Fatalf("%s got %d pushes, want 2", id, len(msgs))
		}
		for i, want := range []string{"first", "second"} {
			if msgs[i].Event != EventTranscriptionUpdate {
				t.Errorf("%s push %d event = %q", id, i, msgs[i].Event)
			}
			if got := msgs[i].Payload.(TranscriptionPayload).Transcription; got != want {
				t.Errorf("%s push %d = %q, want %q", id, i, got, want)
			}
		}
	}
	if n := len(pusher.sent("tab-3")); n != 0 {
		t.Errorf("unrelated connection received %d pushes", n)
	}
}

func TestDispatcher_SkipsEmptyAndStale(t *testing.T) {
	t.Parallel()
	d, reg, pusher, _ := newTestDispatcher(t)
	ctx := context.Background()

	reg.Attach("tab-1", "alice")
	if _, _, err := reg.EnsureUpstream(ctx, "alice"); err != nil {
		t.Fatalf("EnsureUpstream: %v", err)
	}
	info, _ := reg.Lookup("alice")

	d.handle(ctx, transcriptEvent("alice", info.Gen, "   "))
	d.handle(ctx, transcriptEvent("alice", info.Gen+100, "stale"))
	d.handle(ctx, transcriptEvent("nobody", 1, "unknown session"))
	d.flush()

	if msgs := pusher.sent("tab-1"); len(msgs) != 0 {
		t.Errorf("expected no pushes, got %+v", msgs)
	}
}

func TestDispatcher_NoSubscribersDropsTranscript(t *testing.T) {
	t.Parallel()
	d, reg, pusher, _ := newTestDispatcher(t)
	ctx := context.Background()

	reg.Attach("tab-1", "alice")
	if _, _, err := reg.EnsureUpstream(ctx, "alice"); err != nil {
		t.Fatalf("EnsureUpstream: %v", err)
	}
	reg.Detach("tab-1")
	info, _ := reg.Lookup("alice")

	d.handle(ctx, transcriptEvent("alice", info.Gen, "hello"))
	d.flush()
	if msgs := pusher.sent("tab-1"); len(msgs) != 0 {
		t.Errorf("detached connection received %+v", msgs)
	}
}

func TestDispatcher_ProviderCloseDetachesUpstream(t *testing.T) {
	t.Parallel()
	d, reg, _, p := newTestDispatcher(t)
	ctx := context.Background()

	if _, _, err := reg.EnsureUpstream(ctx, "alice"); err != nil {
		t.Fatalf("EnsureUpstream: %v", err)
	}
	info, _ := reg.Lookup("alice")

	d.handle(ctx, UpstreamEvent{Key: "alice", Gen: info.Gen, Event: stt.Event{Kind: stt.EventError, Err: errors.New("net")}})
	if after, _ := reg.Lookup("alice"); !after.HasUpstream {
		t.Fatal("an error event alone must not detach the upstream")
	}

	d.handle(ctx, UpstreamEvent{Key: "alice", Gen: info.Gen, Event: stt.Event{Kind: stt.EventClosed, Err: errors.New("1011")}})
	if after, _ := reg.Lookup("alice"); after.HasUpstream {
		t.Error("provider close must detach the upstream")
	}
	if p.LastSession().CloseCount() != 1 {
		t.Errorf("dead handle Close called %d times, want 1", p.LastSession().CloseCount())
	}

	if _, opened, err := reg.EnsureUpstream(ctx, "alice"); err != nil || !opened {
		t.Errorf("reopen after provider close = %v, %v", opened, err)
	}
}

func TestDispatcher_ActivityTouchesSession(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := &mock.Provider{}
	reg, conn := newTestRegistry(t, p, clock)
	d := NewDispatcher(reg, conn.Events(), &fakePusher{}, testMetrics(t))
	ctx := context.Background()

	if _, _, err := reg.EnsureUpstream(ctx, "alice"); err != nil {
		t.Fatalf("EnsureUpstream: %v", err)
	}
	info, _ := reg.Lookup("alice")
	clock.Advance(45 * time.Second)

	d.handle(ctx, UpstreamEvent{Key: "alice", Gen: info.Gen, Event: stt.Event{Kind: stt.EventMetadata}})
	if after, _ := reg.Lookup("alice"); !after.LastActive.Equal(clock.Now()) {
		t.Errorf("metadata did not touch the session: %v", after.LastActive)
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	d, _, _, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestDispatcher_DeliversFromDrainingUpstream(t *testing.T) {
	t.Parallel()
	d, reg, pusher, p := newTestDispatcher(t)
	ctx := context.Background()

	reg.Attach("tab-1", "alice")
	if _, _, err := reg.EnsureUpstream(ctx, "alice"); err != nil {
		t.Fatalf("EnsureUpstream: %v", err)
	}
	old, _ := reg.Lookup("alice")
	if res := reg.StopSession(ctx, "alice"); res.Status != StopClosed {
		t.Fatalf("StopSession = %+v", res)
	}

	d.handle(ctx, transcriptEvent("alice", old.Gen, "final words"))
	d.handle(ctx, UpstreamEvent{Key: "alice", Gen: old.Gen, Event: stt.Event{Kind: stt.EventClosed}})
	d.handle(ctx, transcriptEvent("alice", old.Gen, "after close"))
	d.flush()

	msgs := pusher.sent("tab-1")
	if len(msgs) != 1 || msgs[0].Payload.(TranscriptionPayload).Transcription != "final words" {
		t.Fatalf("pushes = %+v, want only the flushed transcript", msgs)
	}
	if n := p.LastSession().CloseCount(); n != 1 {
		t.Errorf("draining handle closed %d times, want 1", n)
	}
}

// slowPusher blocks pushes to one connection until release is closed.
type slowPusher struct {
	fakePusher
	slow    string
	release chan struct{}

	mu      sync.Mutex
	arrived map[string]time.Time
}

func (p *slowPusher) Push(ctx context.Context, id, event string, payload any) error {
	if id == p.slow {
		<-p.release
	}
	p.mu.Lock()
	if p.arrived == nil {
		p.arrived = make(map[string]time.Time)
	}
	if _, ok := p.arrived[id]; !ok {
		p.arrived[id] = time.Now()
	}
	p.mu.Unlock()
	return p.fakePusher.Push(ctx, id, event, payload)
}

func (p *slowPusher) firstArrival(id string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.arrived[id]
	return at, ok
}

func TestDispatcher_SlowConnectionDoesNotDelayOthers(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	reg, conn := newTestRegistry(t, p, newFakeClock())
	pusher := &slowPusher{slow: "tab-u1", release: make(chan struct{})}
	d := NewDispatcher(reg, conn.Events(), pusher, testMetrics(t))
	ctx := context.Background()

	reg.Attach("tab-u1", "u1")
	reg.Attach("tab-u2", "u2")
	for _, key := range []string{"u1", "u2"} {
		if _, _, err := reg.EnsureUpstream(ctx, key); err != nil {
			t.Fatalf("EnsureUpstream(%s): %v", key, err)
		}
	}
	u1, _ := reg.Lookup("u1")
	u2, _ := reg.Lookup("u2")

	start := time.Now()
	for i := range 3 {
		d.handle(ctx, transcriptEvent("u1", u1.Gen, fmt.Sprintf("u1 line %d", i)))
	}
	d.handle(ctx, transcriptEvent("u2", u2.Gen, "u2 line"))
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Errorf("dispatcher blocked %v on a slow connection", took)
	}

	pusher.waitFor(t, "tab-u2", EventTranscriptionUpdate)
	at, _ := pusher.firstArrival("tab-u2")
	if lag := at.Sub(start); lag > 200*time.Millisecond {
		t.Errorf("u2 transcript delayed %v by u1's slow connection", lag)
	}
	if _, ok := pusher.firstArrival("tab-u1"); ok {
		t.Fatal("slow connection was not blocked")
	}

	close(pusher.release)
	d.flush()
	msgs := pusher.sent("tab-u1")
	if len(msgs) != 3 {
		t.Fatalf("slow connection got %d pushes, want 3", len(msgs))
	}
	for i, m := range msgs {
		if got, want := m.Payload.(TranscriptionPayload).Transcription, fmt.Sprintf("u1 line %d", i); got != want {
			t.Errorf("push %d = %q, want %q", i, got, want)
		}
	}
}

func TestDispatcher_OutboxLimitDropsNewest(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	reg, conn := newTestRegistry(t, p, newFakeClock())
	pusher := &slowPusher{slow: "tab-1", release: make(chan struct{})}
	d := NewDispatcher(reg, conn.Events(), pusher, testMetrics(t))
	ctx := context.Background()

	reg.Attach("tab-1", "alice")
	if _, _, err := reg.EnsureUpstream(ctx, "alice"); err != nil {
		t.Fatalf("EnsureUpstream: %v", err)
	}
	info, _ := reg.Lookup("alice")

	// The first transcript is taken by the writer, which then blocks.
	d.handle(ctx, transcriptEvent("alice", info.Gen, "line 0"))
	eventually(t, "writer to take the first transcript", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		ob := d.outbox["tab-1"]
		return ob != nil && len(ob.pending) == 0
	})
	for i := 1; i <= outboxLimit+10; i++ {
		d.handle(ctx, transcriptEvent("alice", info.Gen, fmt.Sprintf("line %d", i)))
	}

	close(pusher.release)
	d.flush()
	msgs := pusher.sent("tab-1")
	if len(msgs) != outboxLimit+1 {
		t.Fatalf("got %d pushes, want %d", len(msgs), outboxLimit+1)
	}
	if last := msgs[len(msgs)-1].Payload.(TranscriptionPayload).Transcription; last != fmt.Sprintf("line %d", outboxLimit) {
		t.Errorf("last push = %q", last)
	}
}
