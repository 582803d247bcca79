// Package broker relays live audio from client connections to an upstream
// streaming transcription provider and fans transcripts back out.
//
// A session is keyed by an opaque client-supplied id and may span several
// transport connections and reconnects. The [Registry] owns the mapping from
// transport ids to sessions and at most one upstream per session. Upstream
// events flow through a single fan-in channel into the [Dispatcher], which
// queues transcripts per connection; the [Reaper] evicts idle sessions nobody
// is attached to.
//
// [Broker] ties these together and implements the transport callbacks
// (connect, disconnect, message).
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Inbound event names.
const (
	EventAudioStream         = "audio_stream"
	EventToggleTranscription = "toggle_transcription"
)

// Outbound event names.
const (
	EventDeepgramReady       = "deepgram_ready"
	EventDeepgramStopped     = "deepgram_stopped"
	EventDeepgramError       = "deepgram_error"
	EventConnectionError     = "connection_error"
	EventConnectionLost      = "connection_lost"
	EventServerStatus        = "server_status"
	EventTranscriptionUpdate = "transcription_update"
)

// Client-facing messages.
const (
	msgNoSessionID      = "No session ID provided. Please refresh the page."
	msgSessionNotFound  = "Session not found. Please refresh the page."
	msgUnknownUser      = "Unknown user"
	msgAutoOpenFailed   = "Failed to create Deepgram connection"
	msgStartFailed      = "Failed to connect to Deepgram"
	msgUnsupportedAudio = "Unsupported audio format"
	msgStaleUpstream    = "May need to restart recording"
	statusConnected     = "connected"
)

// StatusPayload is sent with deepgram_ready, deepgram_stopped and
// server_status.
type StatusPayload struct {
	Status  string `json:"status"`
	Note    string `json:"note,omitempty"`
	Message string `json:"message,omitempty"`
}

// MessagePayload is sent with connection_error and connection_lost.
type MessagePayload struct {
	Message string `json:"message"`
}

// ErrorPayload is sent with deepgram_error.
type ErrorPayload struct {
	Error string `json:"error"`
}

// TranscriptionPayload is sent with transcription_update.
type TranscriptionPayload struct {
	Transcription string `json:"transcription"`
}

// Pusher delivers a named event to one transport connection. Push must not
// block indefinitely and must preserve per-connection order.
type Pusher interface {
	Push(ctx context.Context, transportID, event string, payload any) error
}

// UserDirectory reports whether a session key belongs to a known user.
type UserDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Config configures a [Broker].
type Config struct {
	// Stream is the recognition profile for every upstream.
	Stream stt.StreamConfig

	IdleTimeout   time.Duration
	SweepInterval time.Duration
	OpenTimeout   time.Duration
	EventBuffer   int

	// Breaker, if set, guards upstream opens.
	Breaker *resilience.CircuitBreaker

	// Users, if set, restricts sessions to known user ids.
	Users UserDirectory

	Metrics *observe.Metrics

	// Now overrides the clock.
	Now func() time.Time
}

// Broker implements the transport callbacks on top of a [Registry].
type Broker struct {
	reg       *Registry
	connector *Connector
	disp      *Dispatcher
	reaper    *Reaper
	pusher    Pusher
	users     UserDirectory
	metrics   *observe.Metrics
}

// New wires a Broker that opens upstreams on provider and pushes client
// events through pusher.
func New(provider stt.Provider, pusher Pusher, cfg Config) *Broker {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	conn := NewConnector(provider, ConnectorConfig{
		Stream:      cfg.Stream,
		OpenTimeout: cfg.OpenTimeout,
		EventBuffer: cfg.EventBuffer,
		Breaker:     cfg.Breaker,
		Metrics:     cfg.Metrics,
	})
	reg := NewRegistry(conn, RegistryConfig{
		IdleTimeout: cfg.IdleTimeout,
		Metrics:     cfg.Metrics,
		Now:         cfg.Now,
	})
	return &Broker{
		reg:       reg,
		connector: conn,
		disp:      NewDispatcher(reg, conn.Events(), pusher, cfg.Metrics),
		reaper:    NewReaper(reg, cfg.SweepInterval),
		pusher:    pusher,
		users:     cfg.Users,
		metrics:   cfg.Metrics,
	}
}

// Registry exposes the session table.
func (b *Broker) Registry() *Registry { return b.reg }

// Run drives the dispatcher and the reaper until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.disp.Run(ctx) })
	g.Go(func() error { return b.reaper.Run(ctx) })
	return g.Wait()
}

// Shutdown closes every upstream and stops the event pumps.
func (b *Broker) Shutdown(ctx context.Context) error {
	err := b.reg.CloseAll(ctx)
	b.connector.Close()
	return err
}

// SetIdleTimeout changes the reaper's idle threshold.
func (b *Broker) SetIdleTimeout(d time.Duration) { b.reg.SetIdleTimeout(d) }

// SetSweepInterval changes how often the reaper runs.
func (b *Broker) SetSweepInterval(d time.Duration) { b.reaper.SetInterval(d) }

// Stats returns the registry counts keyed for the health endpoint.
func (b *Broker) Stats() map[string]int {
	st := b.reg.Stats()
	return map[string]int{
		"sessions":   st.Sessions,
		"transports": st.Transports,
		"upstreams":  st.Upstreams,
	}
}

// OnConnect attaches a new transport connection using the userId query
// parameter and tells the client whether an upstream is already running.
// Without a userId the connection stays open but unattached until a
// message carries one.
func (b *Broker) OnConnect(ctx context.Context, transportID string, query url.Values) {
	log := slog.With("transport_id", transportID)
	key := query.Get("userId")
	if key == "" {
		log.Warn("connection without session id")
		b.push(ctx, transportID, EventConnectionError, MessagePayload{Message: msgNoSessionID})
		return
	}
	if err := b.attach(ctx, transportID, key); err != nil {
		return
	}
	log.Info("client connected", "session", key)

	info, _ := b.reg.Lookup(key)
	switch {
	case info.HasUpstream && b.reg.now().Sub(info.LastActive) < b.reg.IdleTimeout():
		b.push(ctx, transportID, EventDeepgramReady, StatusPayload{Status: statusConnected})
	case info.HasUpstream:
		log.Info("existing upstream may be stale", "session", key)
		b.push(ctx, transportID, EventServerStatus, StatusPayload{Status: statusConnected, Note: msgStaleUpstream})
	default:
		b.push(ctx, transportID, EventServerStatus, StatusPayload{Status: statusConnected})
	}
}

// OnDisconnect detaches the connection. The session and its upstream stay
// for reconnects until the reaper evicts them.
func (b *Broker) OnDisconnect(ctx context.Context, transportID string) {
	key, ok := b.reg.Detach(transportID)
	if !ok {
		slog.Debug("unattached client disconnected", "transport_id", transportID)
		return
	}
	log := observe.SessionLogger(ctx, key).With("transport_id", transportID)
	if len(b.reg.Subscribers(key)) == 0 {
		log.Info("last client disconnected, keeping upstream for reconnect")
		return
	}
	log.Info("client disconnected")
}

// OnMessage handles one inbound event. Messages of one connection must be
// delivered sequentially.
func (b *Broker) OnMessage(ctx context.Context, transportID, event string, payload any) {
	switch event {
	case EventAudioStream:
		b.handleAudio(ctx, transportID, payload)
	case EventToggleTranscription:
		b.handleToggle(ctx, transportID, payload)
	default:
		slog.Debug("ignoring unknown event", "transport_id", transportID, "event", event)
	}
}

type audioEnvelope struct {
	UserID string          `json:"userId"`
	Audio  json.RawMessage `json:"audio"`
}

type toggleRequest struct {
	UserID string `json:"userId"`
	Action string `json:"action"`
}

func (b *Broker) handleAudio(ctx context.Context, transportID string, payload any) {
	claimed, audio := splitAudio(payload)
	key, err := b.resolve(ctx, transportID, claimed)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			b.metrics.RecordPacketError(ctx, "no_session")
			slog.Warn("audio without session", "transport_id", transportID)
			b.push(ctx, transportID, EventConnectionLost, MessagePayload{Message: msgSessionNotFound})
		}
		return
	}
	log := observe.SessionLogger(ctx, key).With("transport_id", transportID)

	data, err := Decode(audio)
	if err != nil {
		if errors.Is(err, ErrUnsupportedAudio) {
			b.metrics.RecordPacketError(ctx, "unsupported")
			log.Warn("unsupported audio payload", "err", err)
			b.push(ctx, transportID, EventDeepgramError, ErrorPayload{Error: msgUnsupportedAudio})
			return
		}
		b.metrics.RecordPacketError(ctx, "decode")
		log.Warn("dropping malformed audio packet", "err", err)
		return
	}
	if len(data) == 0 {
		// An empty binary frame would tell the provider to end the stream.
		log.Debug("dropping empty audio packet")
		return
	}

	h, opened, err := b.reg.EnsureUpstream(ctx, key)
	switch {
	case errors.Is(err, ErrRetrySuppressed), errors.Is(err, ErrSessionStopped):
		log.Debug("dropping audio packet", "err", err)
		return
	case err != nil:
		b.metrics.RecordPacketError(ctx, "open")
		log.Error("cannot open upstream for audio", "err", err)
		b.push(ctx, transportID, EventConnectionLost, MessagePayload{Message: msgAutoOpenFailed})
		return
	}
	if opened {
		log.Info("opened upstream on first audio")
		b.push(ctx, transportID, EventDeepgramReady, StatusPayload{Status: statusConnected})
	}
	b.reg.Touch(key)

	if err := h.SendAudio(data); err != nil {
		b.metrics.RecordPacketError(ctx, "send")
		log.Warn("audio send failed", "bytes", len(data), "err", fmt.Errorf("%w: %w", ErrUpstreamSend, err))
		b.push(ctx, transportID, EventDeepgramError, ErrorPayload{Error: "Error sending audio: " + err.Error()})
		return
	}
	b.metrics.RecordAudio(ctx, len(data))
}

func (b *Broker) handleToggle(ctx context.Context, transportID string, payload any) {
	var req toggleRequest
	if raw, ok := payload.(json.RawMessage); ok {
		if err := json.Unmarshal(raw, &req); err != nil {
			slog.Warn("malformed toggle request", "transport_id", transportID, "err", err)
		}
	}

	key, err := b.resolve(ctx, transportID, req.UserID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			slog.Warn("toggle without session", "transport_id", transportID)
			b.push(ctx, transportID, EventConnectionError, MessagePayload{Message: msgSessionNotFound})
		}
		return
	}
	log := observe.SessionLogger(ctx, key).With("transport_id", transportID)

	switch req.Action {
	case "start":
		if _, err := b.reg.StartSession(ctx, key); err != nil {
			log.Error("starting upstream failed", "err", err)
			b.push(ctx, transportID, EventConnectionError, MessagePayload{Message: msgStartFailed})
			return
		}
		log.Info("transcription started")
		b.push(ctx, transportID, EventDeepgramReady, StatusPayload{Status: statusConnected})
	case "stop":
		res := b.reg.StopSession(ctx, key)
		out := StatusPayload{Status: res.Status.String()}
		if res.Err != nil {
			out.Message = res.Err.Error()
		}
		log.Info("transcription stopped", "status", out.Status)
		b.push(ctx, transportID, EventDeepgramStopped, out)
	default:
		log.Warn("unknown toggle action", "action", req.Action)
	}
}

// resolve returns the session of transportID, attaching it to claimed if it
// has none yet.
func (b *Broker) resolve(ctx context.Context, transportID, claimed string) (string, error) {
	if key, ok := b.reg.SessionOf(transportID); ok {
		return key, nil
	}
	if claimed == "" {
		return "", ErrSessionNotFound
	}
	if err := b.attach(ctx, transportID, claimed); err != nil {
		return "", err
	}
	slog.Info("mapped connection from message", "transport_id", transportID, "session", claimed)
	return claimed, nil
}

// attach checks key against the user directory and records the mapping.
// Lookup failures are logged and the key is accepted.
func (b *Broker) attach(ctx context.Context, transportID, key string) error {
	if b.users != nil {
		ok, err := b.users.Exists(ctx, key)
		switch {
		case err != nil:
			slog.Warn("user lookup failed, accepting session", "session", key, "err", err)
		case !ok:
			slog.Warn("rejected unknown user", "session", key, "transport_id", transportID)
			b.push(ctx, transportID, EventConnectionError, MessagePayload{Message: msgUnknownUser})
			return fmt.Errorf("%w: %q", ErrUnknownUser, key)
		}
	}
	b.reg.Attach(transportID, key)
	return nil
}

func (b *Broker) push(ctx context.Context, transportID, event string, payload any) {
	if err := b.pusher.Push(ctx, transportID, event, payload); err != nil {
		slog.Warn("push failed", "transport_id", transportID, "event", event, "err", err)
	}
}

// splitAudio separates an optional session key from the audio itself. Only
// JSON objects with an audio field are unwrapped; everything else is audio.
func splitAudio(payload any) (key string, audio any) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return "", payload
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", payload
	}
	var env audioEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return "", payload
	}
	if env.Audio == nil {
		return env.UserID, payload
	}
	return env.UserID, env.Audio
}
