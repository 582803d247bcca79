package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "scheme", "wss", u.Scheme)
	assertEqual(t, "path", "/v1/listen", u.Path)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en-US", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	if _, ok := q["encoding"]; ok {
		t.Error("expected no encoding param for containerised audio")
	}
}

func TestBuildURL_CustomOptions(t *testing.T) {
	p, err := New("key",
		WithModel("base"),
		WithLanguage("de-DE"),
		WithInterimResults(true),
		WithRawAudio("linear16", 48000),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURL_StreamConfigOverrides(t *testing.T) {
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR", Model: "nova-2"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
	assertEqual(t, "model", "nova-2", u.Query().Get("model"))
}

func TestNormaliseEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", deepgramEndpoint},
		{"https://api.example.com/v1", "wss://api.example.com/v1/listen"},
		{"http://localhost:9000/", "ws://localhost:9000/listen"},
		{"ws://localhost:9000/v1/listen", "ws://localhost:9000/v1/listen"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			assertEqual(t, "endpoint", tc.want, normaliseEndpoint(tc.in))
		})
	}
}

// ---- JSON parsing tests ----

func TestParseMessage_Results(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 1.5,
		"duration": 0.75,
		"channel": {
			"alternatives": [{"transcript": "Hello world", "confidence": 0.95}]
		}
	}`)

	ev, ok := parseMessage(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if ev.Kind != stt.EventTranscript {
		t.Fatalf("kind = %v, want transcript", ev.Kind)
	}
	assertEqual(t, "text", "Hello world", ev.Transcript.Text)
	if !ev.Transcript.IsFinal {
		t.Error("expected IsFinal=true")
	}
	if ev.Transcript.Start != 1500*time.Millisecond {
		t.Errorf("start = %v, want 1.5s", ev.Transcript.Start)
	}
	if ev.Transcript.Duration != 750*time.Millisecond {
		t.Errorf("duration = %v, want 750ms", ev.Transcript.Duration)
	}
}

func TestParseMessage_Metadata(t *testing.T) {
	for _, typ := range []string{"Metadata", "SpeechStarted", "UtteranceEnd"} {
		ev, ok := parseMessage([]byte(`{"type":"` + typ + `","request_id":"abc"}`))
		if !ok {
			t.Fatalf("%s: expected ok=true", typ)
		}
		if ev.Kind != stt.EventMetadata {
			t.Errorf("%s: kind = %v, want metadata", typ, ev.Kind)
		}
	}
}

func TestParseMessage_Error(t *testing.T) {
	ev, ok := parseMessage([]byte(`{"type":"Error","description":"bad audio"}`))
	if !ok {
		t.Fatal("expected ok=true for Error message")
	}
	if ev.Kind != stt.EventError || ev.Err == nil {
		t.Fatalf("got %+v, want error event", ev)
	}
	if !strings.Contains(ev.Err.Error(), "bad audio") {
		t.Errorf("err = %v, want description in message", ev.Err)
	}
}

func TestParseMessage_Ignored(t *testing.T) {
	tests := map[string]string{
		"empty alternatives": `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		"unknown type":       `{"type":"Warning"}`,
		"invalid json":       `{invalid`,
	}
	for name, raw := range tests {
		if _, ok := parseMessage([]byte(raw)); ok {
			t.Errorf("%s: expected ok=false", name)
		}
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if !p.punctuate || p.interim {
		t.Errorf("punctuate=%v interim=%v, want true/false", p.punctuate, p.interim)
	}
	if p.keepAlive != defaultKeepAlive {
		t.Errorf("keepAlive = %v, want %v", p.keepAlive, defaultKeepAlive)
	}
}

// ---- Streaming tests against a fake Deepgram server ----

// fakeDeepgram accepts one streaming connection, records binary frames and
// text control frames, and answers each binary frame with a Results message.
type fakeDeepgram struct {
	mu       sync.Mutex
	auth     string
	audio    [][]byte
	controls []string
}

func (f *fakeDeepgram) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				f.mu.Lock()
				f.audio = append(f.audio, msg)
				f.mu.Unlock()
				resp := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"` + string(msg) + `"}]}}`
				if err := conn.Write(ctx, websocket.MessageText, []byte(resp)); err != nil {
					return
				}
				continue
			}
			f.mu.Lock()
			f.controls = append(f.controls, string(msg))
			f.mu.Unlock()
			if string(msg) == closeStreamFrame {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func TestStream_RoundTrip(t *testing.T) {
	fake := &fakeDeepgram{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	p, err := New("secret", WithBaseURL(srv.URL), WithKeepAlive(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	first := <-h.Events()
	if first.Kind != stt.EventOpened {
		t.Fatalf("first event = %v, want opened", first.Kind)
	}

	if err := h.SendAudio([]byte("abc")); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case ev := <-h.Events():
		if ev.Kind != stt.EventTranscript {
			t.Fatalf("event = %v, want transcript", ev.Kind)
		}
		assertEqual(t, "transcript", "abc", ev.Transcript.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for transcript")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var last stt.Event
	for ev := range h.Events() {
		last = ev
	}
	if last.Kind != stt.EventClosed {
		t.Errorf("last event = %v, want closed", last.Kind)
	}
	if last.Err != nil {
		t.Errorf("closed err = %v, want nil for graceful close", last.Err)
	}

	if err := h.SendAudio([]byte("late")); err != ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assertEqual(t, "auth header", "Token secret", fake.auth)
	if len(fake.controls) == 0 || fake.controls[len(fake.controls)-1] != closeStreamFrame {
		t.Errorf("controls = %v, want trailing CloseStream", fake.controls)
	}
}

func TestStream_DialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad", WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.StartStream(ctx, stt.StreamConfig{})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want status code in message", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
