package broker

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt/mock"
)

func TestReaper_SweepEvictsIdleSessions(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := &mock.Provider{}
	reg, _ := newTestRegistry(t, p, clock)
	ctx := context.Background()

	reg.Attach("t1", "kept")
	if _, _, err := reg.EnsureUpstream(ctx, "gone"); err != nil {
		t.Fatalf("EnsureUpstream: %v", err)
	}
	clock.Advance(2 * time.Minute)

	res := NewReaper(reg, time.Second).Sweep(ctx)
	if !slices.Equal(res.Reaped, []string{"gone"}) {
		t.Errorf("Reaped = %v, want [gone]", res.Reaped)
	}
	if !p.LastSession().Closed() {
		t.Error("reaped upstream left open")
	}
	if _, ok := reg.Lookup("kept"); !ok {
		t.Error("attached session was reaped")
	}
}

func TestReaper_RunSweepsPeriodically(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	reg, _ := newTestRegistry(t, &mock.Provider{}, clock)
	reg.Attach("t1", "alice")
	reg.Detach("t1")
	clock.Advance(2 * time.Minute)

	r := NewReaper(reg, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.SetInterval(10 * time.Millisecond)
	eventually(t, "reaper to evict alice", func() bool {
		_, ok := reg.Lookup("alice")
		return !ok
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestReaper_Interval(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, &mock.Provider{}, newFakeClock())

	r := NewReaper(reg, 0)
	if r.Interval() != 30*time.Second {
		t.Errorf("default interval = %v, want 30s", r.Interval())
	}
	r.SetInterval(-time.Second)
	if r.Interval() != 30*time.Second {
		t.Errorf("negative interval accepted: %v", r.Interval())
	}
	r.SetInterval(5 * time.Second)
	r.SetInterval(6 * time.Second) // reset signal already pending, must not block
	if r.Interval() != 6*time.Second {
		t.Errorf("interval = %v, want 6s", r.Interval())
	}
}
