// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify how often and with which StreamConfig the caller
// opens sessions. Every successful StartStream returns a fresh Session whose
// event stream the test drives through Emit, Fail and Close.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	p.LastSession().Emit(stt.Event{Kind: stt.EventTranscript, ...})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrClosed is returned by Session.SendAudio after the session was closed.
var ErrClosed = errors.New("mock: session closed")

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// Gate, if non-nil, blocks StartStream until it is closed or the context
	// passed to StartStream is done.
	Gate chan struct{}

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions holds every session returned by StartStream, oldest first.
	Sessions []*Session
}

// StartStream records the call, waits on Gate and returns a new Session or
// StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// SetStartStreamErr replaces StartStreamErr. Thread-safe.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamErr = err
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// SessionCount returns the number of sessions handed out. Thread-safe.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}

// LastSession returns the most recently opened session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Reset clears all recorded calls and sessions. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle. A new Session has
// already emitted EventOpened, like a freshly dialled provider stream.
type Session struct {
	mu sync.Mutex

	events chan stt.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// flush is emitted by Close ahead of EventClosed, like a provider
	// returning its final results.
	flush []stt.Event

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open Session with EventOpened queued.
func NewSession() *Session {
	s := &Session{events: make(chan stt.Event, 64)}
	s.events <- stt.Event{Kind: stt.EventOpened, At: time.Now()}
	return s
}

// SendAudio records the call and returns SendAudioErr, or ErrClosed once the
// session has ended.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Events returns the session's event stream.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Emit queues ev on the event stream. It is a no-op after the session ended.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events <- ev
}

// Fail simulates the provider dropping the stream: an EventError followed by
// EventClosed carrying err.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := time.Now()
	s.events <- stt.Event{Kind: stt.EventError, Err: err, At: now}
	s.end(err, now)
}

// FlushOnClose makes Close emit evs before EventClosed. Thread-safe.
func (s *Session) FlushOnClose(evs ...stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flush = append(s.flush, evs...)
}

// Close records the call, emits any flush events, ends the event stream and
// returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		now := time.Now()
		for _, ev := range s.flush {
			if ev.At.IsZero() {
				ev.At = now
			}
			s.events <- ev
		}
		s.end(nil, now)
	}
	return s.CloseErr
}

// end must be called with mu held.
func (s *Session) end(err error, at time.Time) {
	s.closed = true
	s.events <- stt.Event{Kind: stt.EventClosed, Err: err, At: at}
	close(s.events)
}

// Closed reports whether the session has ended. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns CloseCallCount. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Audio returns copies of every chunk delivered so far. Thread-safe.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = c.Chunk
	}
	return out
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
