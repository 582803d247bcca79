package broker

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Opener opens an upstream stream for one generation of a session.
// [Connector] is the production implementation.
type Opener interface {
	Open(ctx context.Context, key string, gen uint64) (stt.SessionHandle, error)
}

// StopStatus is the outcome of [Registry.StopSession].
type StopStatus int

const (
	// StopClosed means an upstream existed and closed cleanly.
	StopClosed StopStatus = iota
	// StopErrored means an upstream existed but closing it failed. The
	// upstream is removed regardless.
	StopErrored
	// StopNoConnection means the session had no upstream to stop.
	StopNoConnection
)

// String returns the status as sent in the deepgram_stopped payload.
func (s StopStatus) String() string {
	switch s {
	case StopClosed:
		return "stopped"
	case StopErrored:
		return "error"
	case StopNoConnection:
		return "no_connection"
	default:
		return "unknown"
	}
}

// StopResult is returned by [Registry.StopSession]. Err is set only for
// [StopErrored].
type StopResult struct {
	Status StopStatus
	Err    error
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	Key         string
	Attached    int
	HasUpstream bool
	LastActive  time.Time
	Warned      bool
	Gen         uint64
}

// Stats counts the registry's contents.
type Stats struct {
	Sessions   int
	Transports int
	Upstreams  int
}

// SweepResult reports one reaper pass.
type SweepResult struct {
	Stats
	// Reaped lists the evicted session keys in sorted order.
	Reaped []string
}

// RegistryConfig holds the tunables for a [Registry].
type RegistryConfig struct {
	// IdleTimeout is how long an unattached session may stay inactive before
	// [Registry.Sweep] evicts it.
	IdleTimeout time.Duration

	// Metrics receives gauge and counter updates. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the clock.
	Now func() time.Time
}

type upstream struct {
	handle   stt.SessionHandle
	gen      uint64
	openedAt time.Time
}

type session struct {
	key        string
	attached   map[string]struct{}
	up         *upstream
	lastActive time.Time

	// warned suppresses implicit reopen attempts after an open failed. Only
	// StartSession clears it.
	warned bool

	// gen identifies the current upstream lifetime. Opens started under an
	// older generation discard their result.
	gen uint64

	// draining holds generations of detached upstreams that are still
	// flushing. Their transcripts are delivered until EventClosed arrives.
	draining map[uint64]struct{}
}

// Registry maps transport connections to sessions and owns each session's
// upstream. All methods are safe for concurrent use. No network I/O happens
// while the lock is held.
type Registry struct {
	opener  Opener
	metrics *observe.Metrics
	now     func() time.Time
	idle    atomic.Int64

	flights singleflight.Group

	mu         sync.Mutex
	sessions   map[string]*session
	transports map[string]string
	lastGen    uint64
}

// NewRegistry returns an empty registry that opens upstreams through opener.
func NewRegistry(opener Opener, cfg RegistryConfig) *Registry {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		opener:     opener,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		sessions:   make(map[string]*session),
		transports: make(map[string]string),
	}
	r.idle.Store(int64(cfg.IdleTimeout))
	return r
}

// IdleTimeout returns the current idle threshold.
func (r *Registry) IdleTimeout() time.Duration {
	return time.Duration(r.idle.Load())
}

// SetIdleTimeout changes the idle threshold used by subsequent sweeps.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.idle.Store(int64(d))
}

// Attach maps transportID to key, creating the session if needed. A
// transport already attached elsewhere is moved. Attach never opens an
// upstream.
func (r *Registry) Attach(transportID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.transports[transportID]; ok {
		if prev == key {
			return
		}
		if s := r.sessions[prev]; s != nil {
			delete(s.attached, transportID)
		}
	}
	s := r.sessionLocked(key)
	s.attached[transportID] = struct{}{}
	r.transports[transportID] = key
}

// Detach removes transportID's mapping and returns the key it was attached
// to. The session and its upstream are left for the reaper.
func (r *Registry) Detach(transportID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.transports[transportID]
	if !ok {
		return "", false
	}
	delete(r.transports, transportID)
	if s := r.sessions[key]; s != nil {
		delete(s.attached, transportID)
	}
	return key, true
}

// SessionOf returns the key transportID is attached to.
func (r *Registry) SessionOf(transportID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.transports[transportID]
	return key, ok
}

// Subscribers returns the transport ids attached to key, sorted.
func (r *Registry) Subscribers(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil
	}
	return subscribersLocked(s)
}

// Lookup returns a snapshot of the session stored under key.
func (r *Registry) Lookup(key string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{
		Key:         s.key,
		Attached:    len(s.attached),
		HasUpstream: s.up != nil,
		LastActive:  s.lastActive,
		Warned:      s.warned,
		Gen:         s.gen,
	}, true
}

// Stats counts sessions, attached transports and live upstreams.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

// Touch records activity on key. The timestamp never moves backwards.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		touchLocked(s, r.now())
	}
}

// EnsureUpstream returns the session's upstream, opening one if none exists.
// opened reports whether this call waited on a fresh open. Concurrent calls
// for the same key share a single open.
//
// A failed open marks the session so later calls return
// [ErrRetrySuppressed] without contacting the provider until
// [Registry.StartSession] resets it.
func (r *Registry) EnsureUpstream(ctx context.Context, key string) (handle stt.SessionHandle, opened bool, err error) {
	r.mu.Lock()
	s := r.sessionLocked(key)
	if s.up != nil {
		h := s.up.handle
		r.mu.Unlock()
		return h, false, nil
	}
	if s.warned {
		r.mu.Unlock()
		r.metrics.RecordUpstreamOpen(ctx, "suppressed", 0)
		return nil, false, ErrRetrySuppressed
	}
	gen := s.gen
	r.mu.Unlock()

	h, err := r.open(ctx, key, gen)
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// StartSession replaces the session's upstream with a fresh one. The old
// upstream is closed first and close errors are only logged. The suppression
// flag is cleared so a failure here is reported like a first failure.
func (r *Registry) StartSession(ctx context.Context, key string) (stt.SessionHandle, error) {
	r.mu.Lock()
	s := r.sessionLocked(key)
	old := r.detachUpstreamLocked(s)
	s.warned = false
	gen := s.gen
	r.mu.Unlock()

	if old != nil {
		r.metrics.ActiveUpstreams.Add(ctx, -1)
		if err := old.handle.Close(); err != nil {
			observe.SessionLogger(ctx, key).Warn("closing previous upstream failed", "gen", old.gen, "err", err)
		}
	}
	return r.open(ctx, key, gen)
}

// StopSession closes and removes the session's upstream. Any open still in
// flight is discarded when it completes.
func (r *Registry) StopSession(ctx context.Context, key string) StopResult {
	r.mu.Lock()
	var old *upstream
	if s, ok := r.sessions[key]; ok {
		old = r.detachUpstreamLocked(s)
	}
	r.mu.Unlock()

	if old == nil {
		return StopResult{Status: StopNoConnection}
	}
	r.metrics.ActiveUpstreams.Add(ctx, -1)
	if err := old.handle.Close(); err != nil {
		observe.SessionLogger(ctx, key).Warn("closing upstream failed", "gen", old.gen, "err", err)
		return StopResult{Status: StopErrored, Err: err}
	}
	return StopResult{Status: StopClosed}
}

// Sweep evicts every session that has no attached transports and has been
// idle for longer than the idle timeout, then closes their upstreams.
func (r *Registry) Sweep(ctx context.Context, now time.Time) SweepResult {
	idle := r.IdleTimeout()

	type victim struct {
		key string
		up  *upstream
	}
	var (
		res     SweepResult
		victims []victim
	)

	r.mu.Lock()
	for key, s := range r.sessions {
		if len(s.attached) > 0 || now.Sub(s.lastActive) <= idle {
			continue
		}
		delete(r.sessions, key)
		res.Reaped = append(res.Reaped, key)
		if s.up != nil {
			victims = append(victims, victim{key: key, up: s.up})
			s.up = nil
		}
	}
	res.Stats = r.statsLocked()
	r.mu.Unlock()

	slices.Sort(res.Reaped)
	if n := int64(len(res.Reaped)); n > 0 {
		r.metrics.ActiveSessions.Add(ctx, -n)
		r.metrics.SessionsReaped.Add(ctx, n)
	}
	if n := int64(len(victims)); n > 0 {
		r.metrics.ActiveUpstreams.Add(ctx, -n)
	}
	for _, v := range victims {
		if err := v.up.handle.Close(); err != nil {
			observe.SessionLogger(ctx, v.key).Warn("closing idle upstream failed", "gen", v.up.gen, "err", err)
		}
	}
	return res
}

// CloseAll closes every live upstream in parallel and returns the first close
// error. Sessions and mappings are kept.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	var ups []*upstream
	var keys []string
	for key, s := range r.sessions {
		if up := r.detachUpstreamLocked(s); up != nil {
			ups = append(ups, up)
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()

	if len(ups) > 0 {
		r.metrics.ActiveUpstreams.Add(ctx, -int64(len(ups)))
	}
	var g errgroup.Group
	for i, up := range ups {
		g.Go(func() error {
			if err := up.handle.Close(); err != nil {
				return fmt.Errorf("broker: close upstream %q: %w", keys[i], err)
			}
			return nil
		})
	}
	return g.Wait()
}

// eventRoute tells the dispatcher where an upstream event goes.
type eventRoute struct {
	subscribers []string
	// ended is the handle detached by a provider-side close, if any.
	ended stt.SessionHandle
}

// route applies ev to its session and returns the delivery targets. ok is
// false when ev belongs to an upstream that is neither current nor draining.
// Only the current upstream touches the session or detaches on close.
func (r *Registry) route(ctx context.Context, ev UpstreamEvent) (eventRoute, bool) {
	r.mu.Lock()
	s, ok := r.sessions[ev.Key]
	if !ok {
		r.mu.Unlock()
		return eventRoute{}, false
	}
	current := s.up != nil && s.up.gen == ev.Gen
	_, draining := s.draining[ev.Gen]
	if !current && !draining {
		r.mu.Unlock()
		return eventRoute{}, false
	}

	var rt eventRoute
	switch ev.Event.Kind {
	case stt.EventOpened, stt.EventTranscript, stt.EventMetadata:
		if current {
			touchLocked(s, r.now())
		}
	case stt.EventClosed:
		if current {
			rt.ended = r.detachUpstreamLocked(s).handle
		}
		delete(s.draining, ev.Gen)
	}
	rt.subscribers = subscribersLocked(s)
	r.mu.Unlock()

	if rt.ended != nil {
		r.metrics.ActiveUpstreams.Add(ctx, -1)
	}
	return rt, true
}

func (r *Registry) open(ctx context.Context, key string, gen uint64) (stt.SessionHandle, error) {
	flight := key + "#" + strconv.FormatUint(gen, 10)
	ch := r.flights.DoChan(flight, func() (any, error) {
		// The open is shared, so it must not die with the first caller.
		return r.openAndInstall(context.WithoutCancel(ctx), key, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(stt.SessionHandle), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrUpstreamOpen, ctx.Err())
	}
}

func (r *Registry) openAndInstall(ctx context.Context, key string, gen uint64) (stt.SessionHandle, error) {
	// A flight for this generation may already have installed its upstream
	// after the caller looked.
	if h, ok := r.installed(key, gen); ok {
		return h, nil
	}

	h, err := r.opener.Open(ctx, key, gen)

	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok && s.up != nil && s.up.gen == gen {
		existing := s.up.handle
		r.mu.Unlock()
		if err == nil {
			if cerr := h.Close(); cerr != nil {
				observe.SessionLogger(ctx, key).Debug("closing duplicate upstream failed", "gen", gen, "err", cerr)
			}
		}
		return existing, nil
	}
	current := ok && s.gen == gen && s.up == nil
	if err != nil {
		if current {
			s.warned = true
		}
		r.mu.Unlock()
		if !current {
			return nil, fmt.Errorf("%w: %w", ErrSessionStopped, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamOpen, err)
	}
	if !current {
		r.mu.Unlock()
		r.metrics.RecordUpstreamOpen(ctx, "stale", 0)
		if cerr := h.Close(); cerr != nil {
			observe.SessionLogger(ctx, key).Debug("closing stale upstream failed", "gen", gen, "err", cerr)
		}
		return nil, ErrSessionStopped
	}
	now := r.now()
	s.up = &upstream{handle: h, gen: gen, openedAt: now}
	touchLocked(s, now)
	r.mu.Unlock()

	r.metrics.ActiveUpstreams.Add(ctx, 1)
	return h, nil
}

// installed returns the upstream of key if it was opened under gen.
func (r *Registry) installed(key string, gen uint64) (stt.SessionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok && s.up != nil && s.up.gen == gen {
		return s.up.handle, true
	}
	return nil, false
}

// sessionLocked returns the session for key, creating it if needed.
func (r *Registry) sessionLocked(key string) *session {
	if s, ok := r.sessions[key]; ok {
		return s
	}
	r.lastGen++
	s := &session{
		key:        key,
		attached:   make(map[string]struct{}),
		lastActive: r.now(),
		gen:        r.lastGen,
	}
	r.sessions[key] = s
	r.metrics.ActiveSessions.Add(context.Background(), 1)
	return s
}

// detachUpstreamLocked removes s's upstream, if any, and moves s to a new
// generation. The detached generation drains until its EventClosed.
func (r *Registry) detachUpstreamLocked(s *session) *upstream {
	up := s.up
	s.up = nil
	if up != nil {
		if s.draining == nil {
			s.draining = make(map[uint64]struct{})
		}
		s.draining[up.gen] = struct{}{}
	}
	r.lastGen++
	s.gen = r.lastGen
	return up
}

func (r *Registry) statsLocked() Stats {
	st := Stats{Sessions: len(r.sessions), Transports: len(r.transports)}
	for _, s := range r.sessions {
		if s.up != nil {
			st.Upstreams++
		}
	}
	return st
}

func touchLocked(s *session, now time.Time) {
	if now.After(s.lastActive) {
		s.lastActive = now
	}
}

func subscribersLocked(s *session) []string {
	ids := make([]string, 0, len(s.attached))
	for id := range s.attached {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
