// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en-US"
	defaultKeepAlive = 10 * time.Second
	closeTimeout     = 5 * time.Second
	eventBuffer      = 64
	audioBuffer      = 256
	maxProviderFrame = 1 << 20
	closeStreamFrame = `{"type":"CloseStream"}`
	keepAliveFrame   = `{"type":"KeepAlive"}`
)

// ErrSessionClosed is returned by SendAudio once the session has been closed
// locally or by the provider.
var ErrSessionClosed = errors.New("deepgram: session is closed")

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithBaseURL overrides the streaming endpoint. http(s) schemes are rewritten
// to ws(s); a missing /listen path is appended.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.endpoint = base
	}
}

// WithPunctuate toggles automatic punctuation. Default: true.
func WithPunctuate(on bool) Option {
	return func(p *Provider) {
		p.punctuate = on
	}
}

// WithInterimResults toggles interim (non-final) results. Default: false.
func WithInterimResults(on bool) Option {
	return func(p *Provider) {
		p.interim = on
	}
}

// WithKeepAlive sets how often a KeepAlive frame is sent while the stream is
// open. Zero or negative disables keepalives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		p.keepAlive = d
	}
}

// WithRawAudio declares raw (headerless) audio with the given encoding and
// sample rate, e.g. "linear16" at 16000 Hz.
func WithRawAudio(encoding string, sampleRate int) Option {
	return func(p *Provider) {
		p.encoding = encoding
		p.sampleRate = sampleRate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	punctuate  bool
	interim    bool
	keepAlive  time.Duration
	encoding   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:    apiKey,
		endpoint:  deepgramEndpoint,
		model:     defaultModel,
		language:  defaultLanguage,
		punctuate: true,
		keepAlive: defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. The dial
// is bounded by ctx; the returned session outlives it.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(maxProviderFrame)

	return newSession(conn, p.keepAlive), nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(normaliseEndpoint(p.endpoint))
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	encoding, sr := cfg.Encoding, cfg.SampleRate
	if encoding == "" {
		encoding, sr = p.encoding, p.sampleRate
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", strconv.FormatBool(p.punctuate || cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(p.interim || cfg.InterimResults))
	if encoding != "" {
		q.Set("encoding", encoding)
		if sr > 0 {
			q.Set("sample_rate", strconv.Itoa(sr))
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func normaliseEndpoint(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return deepgramEndpoint
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/listen") {
		base += "/listen"
	}
	return base
}

// ---- session ----

// deepgramMessage is the union of the JSON messages Deepgram sends on a
// streaming connection. Only the fields this package reads are declared.
type deepgramMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`

	// Error messages.
	Description string `json:"description"`
	Message     string `json:"message"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration

	events chan stt.Event
	audio  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{} // closed by Close
	readDone  chan struct{} // closed when the read loop exits
	writeDone chan struct{} // closed when the write loop exits
	once      sync.Once

	mu        sync.Mutex
	readErr   error
	finishErr error
}

func newSession(conn *websocket.Conn, keepAlive time.Duration) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		keepAlive: keepAlive,
		events:    make(chan stt.Event, eventBuffer),
		audio:     make(chan []byte, audioBuffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}

	// The dial succeeded, so the provider accepted the stream.
	s.events <- stt.Event{Kind: stt.EventOpened, At: time.Now()}

	go s.readLoop()
	go s.writeLoop()
	go s.finish()
	return s
}

// SendAudio queues an audio chunk for delivery to Deepgram. Delivery errors
// surface asynchronously as EventError.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-s.writeDone:
		return ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-s.writeDone:
		return ErrSessionClosed
	}
}

// Events returns the ordered event stream of this session.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close flushes queued audio, asks Deepgram to finish the stream, waits a
// bounded time for the final results and then closes the socket.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.writeDone

		select {
		case <-s.readDone:
		case <-time.After(closeTimeout):
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		<-s.readDone
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishErr
}

// writeLoop forwards queued audio as binary frames and keeps the stream alive
// while no audio flows. On Close it drains the queue and sends CloseStream.
func (s *session) writeLoop() {
	defer close(s.writeDone)

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				s.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: send audio: %w", err), At: time.Now()})
				return
			}
		case <-tick:
			if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(keepAliveFrame)); err != nil {
				s.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: keepalive: %w", err), At: time.Now()})
				return
			}
		case <-s.readDone:
			return
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain writes whatever audio is still queued, then the CloseStream frame.
func (s *session) drain() {
	ctx, cancel := context.WithTimeout(s.ctx, closeTimeout)
	defer cancel()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.setFinishErr(fmt.Errorf("deepgram: flush audio: %w", err))
				return
			}
		default:
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(closeStreamFrame)); err != nil {
				s.setFinishErr(fmt.Errorf("deepgram: close stream: %w", err))
			}
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and turns them into events.
func (s *session) readLoop() {
	defer close(s.readDone)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if !s.isExpectedClose(err) {
				s.mu.Lock()
				s.readErr = fmt.Errorf("deepgram: read: %w", err)
				s.mu.Unlock()
			}
			return
		}

		ev, ok := parseMessage(msg)
		if !ok {
			continue
		}
		ev.At = time.Now()
		s.emit(ev)
	}
}

// finish emits the terminal EventClosed once both loops are done and closes
// the events channel.
func (s *session) finish() {
	<-s.readDone
	<-s.writeDone

	s.mu.Lock()
	err := s.readErr
	s.mu.Unlock()

	select {
	case s.events <- stt.Event{Kind: stt.EventClosed, Err: err, At: time.Now()}:
	case <-time.After(closeTimeout):
	}
	close(s.events)
}

func (s *session) isExpectedClose(err error) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) setFinishErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr == nil {
		s.finishErr = err
	}
}

// parseMessage maps a raw Deepgram WebSocket message onto an stt.Event.
// Returns (Event, false) for messages that should be ignored.
func parseMessage(data []byte) (stt.Event, bool) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.Event{}, false
	}

	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return stt.Event{}, false
		}
		alt := msg.Channel.Alternatives[0]
		return stt.Event{
			Kind: stt.EventTranscript,
			Transcript: stt.Transcript{
				Text:       alt.Transcript,
				IsFinal:    msg.IsFinal,
				Confidence: alt.Confidence,
				Start:      seconds(msg.Start),
				Duration:   seconds(msg.Duration),
			},
		}, true
	case "Metadata", "SpeechStarted", "UtteranceEnd":
		return stt.Event{Kind: stt.EventMetadata}, true
	case "Error":
		text := strings.TrimSpace(msg.Description)
		if text == "" {
			text = strings.TrimSpace(msg.Message)
		}
		if text == "" {
			text = "unknown provider error"
		}
		return stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: %s", text)}, true
	default:
		return stt.Event{}, false
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
