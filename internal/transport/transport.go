// Package transport terminates client WebSocket connections and translates
// frames into handler callbacks.
//
// Text frames carry a JSON envelope {"event": "<name>", "data": <json>}.
// Binary frames are raw audio and are delivered as the audio_stream event
// with an [io.Reader] payload. Outbound events are queued per connection and
// written by one goroutine, so pushes to a connection arrive in order.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/observe"
)

// BinaryEvent is the event name binary frames are delivered under.
const BinaryEvent = "audio_stream"

var (
	// ErrUnknownConnection is returned by [Server.Push] for ids that are not
	// (or no longer) connected.
	ErrUnknownConnection = errors.New("transport: unknown connection")

	// ErrQueueFull is returned by [Server.Push] when a connection's outbound
	// queue stayed full for the whole write timeout.
	ErrQueueFull = errors.New("transport: outbound queue full")
)

// Handler receives connection lifecycle and message callbacks. Calls for one
// connection are sequential; calls for different connections run
// concurrently.
type Handler interface {
	OnConnect(ctx context.Context, transportID string, query url.Values)
	OnDisconnect(ctx context.Context, transportID string)
	OnMessage(ctx context.Context, transportID, event string, payload any)
}

// Envelope is the JSON shape of every text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Config configures a [Server].
type Config struct {
	// AllowedOrigins are host patterns accepted in the Origin header besides
	// the request host itself.
	AllowedOrigins []string

	// WriteTimeout bounds a single frame write and how long Push waits for
	// queue space. Default: 5s.
	WriteTimeout time.Duration

	// MaxMessageBytes is the inbound frame size limit. Default: 5 MiB.
	MaxMessageBytes int64

	// QueueSize is the per-connection outbound queue length. Default: 64.
	QueueSize int

	Metrics *observe.Metrics

	// NewID overrides transport id generation. Default: random UUIDs.
	NewID func() string
}

// Server tracks live connections and implements the broker's Pusher.
type Server struct {
	cfg Config

	mu    sync.RWMutex
	conns map[string]*client

	handlers sync.WaitGroup
}

type client struct {
	id   string
	conn *websocket.Conn
	out  chan Envelope
	done chan struct{}
}

// New returns a Server with cfg's zero values replaced by defaults.
func New(cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 5 << 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Server{cfg: cfg, conns: make(map[string]*client)}
}

// Handler returns the HTTP handler that upgrades requests and feeds h.
func (s *Server) Handler(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, h)
	})
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Push queues event for the connection transportID. It waits at most the
// write timeout for queue space.
func (s *Server) Push(ctx context.Context, transportID, event string, payload any) error {
	s.mu.RLock()
	c, ok := s.conns[transportID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, transportID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", event, err)
	}
	env := Envelope{Event: event, Data: data}

	select {
	case c.out <- env:
		return nil
	default:
	}
	t := time.NewTimer(s.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrUnknownConnection, transportID)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("%w: %s", ErrQueueFull, transportID)
	}
}

// Close sends a going-away close frame to every connection and waits for
// their handlers to finish.
func (s *Server) Close() error {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	var g errgroup.Group
	for _, c := range clients {
		g.Go(func() error {
			err := c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			if err != nil && !isClosed(err) {
				return fmt.Errorf("transport: close %s: %w", c.id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	s.handlers.Wait()
	return err
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, h Handler) {
	s.handlers.Add(1)
	defer s.handlers.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("websocket upgrade rejected", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		id:   s.cfg.NewID(),
		conn: conn,
		out:  make(chan Envelope, s.cfg.QueueSize),
		done: make(chan struct{}),
	}
	log := slog.With("transport_id", c.id)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.cfg.Metrics.ActiveConnections.Add(ctx, 1)
	log.Debug("websocket connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, c)
	}()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		close(c.done)
		cancel()
		<-writerDone
		s.cfg.Metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
		h.OnDisconnect(context.WithoutCancel(ctx), c.id)
		_ = conn.CloseNow()
	}()

	h.OnConnect(ctx, c.id, r.URL.Query())

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case isClosed(err), ctx.Err() != nil:
				log.Debug("websocket closed", "err", err)
			default:
				log.Warn("websocket read failed", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			h.OnMessage(ctx, c.id, BinaryEvent, bytes.NewReader(data))
		case websocket.MessageText:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
				s.cfg.Metrics.RecordPacketError(ctx, "frame")
				log.Warn("ignoring malformed frame", "bytes", len(data), "err", err)
				continue
			}
			h.OnMessage(ctx, c.id, env.Event, env.Data)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(wctx, c.conn, env)
			cancel()
			if err != nil {
				if !isClosed(err) && ctx.Err() == nil {
					slog.Warn("websocket write failed", "transport_id", c.id, "event", env.Event, "err", err)
				}
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

func isClosed(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
