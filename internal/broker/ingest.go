package broker

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// nodeBuffer is how a Node.js Buffer serialises to JSON.
type nodeBuffer struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode normalises an inbound audio payload into one contiguous buffer.
//
// Accepted shapes:
//   - string: standard base64, optionally wrapped in a data URL
//   - []byte: passed through unchanged
//   - io.Reader: drained fully (binary WebSocket frames arrive this way)
//   - json.RawMessage: a base64 JSON string, a JSON array of byte values, or
//     a Node.js Buffer object {"type":"Buffer","data":[...]}
//
// Malformed input yields [ErrDecode]; any other shape yields
// [ErrUnsupportedAudio].
func Decode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return decodeJSON(p)
	case []byte:
		return p, nil
	case string:
		return decodeBase64(p)
	case io.Reader:
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("%w: read: %w", ErrDecode, err)
		}
		return data, nil
	case nil:
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedAudio)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAudio, payload)
	}
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ";base64,"); i >= 0 {
			s = s[i+len(";base64,"):]
		}
	}
	enc := base64.StdEncoding
	if len(s)%4 != 0 && !strings.HasSuffix(s, "=") {
		enc = base64.RawStdEncoding
	}
	data, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %w", ErrDecode, err)
	}
	return data, nil
}

func decodeJSON(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedAudio)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return decodeBase64(s)
	case '[':
		return decodeByteArray(raw)
	case '{':
		var buf nodeBuffer
		if err := json.Unmarshal(raw, &buf); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		if buf.Type != "Buffer" || len(buf.Data) == 0 {
			return nil, fmt.Errorf("%w: object without buffer data", ErrUnsupportedAudio)
		}
		return decodeByteArray(buf.Data)
	default:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: invalid json", ErrDecode)
		}
		return nil, fmt.Errorf("%w: json %s", ErrUnsupportedAudio, kindOf(raw[0]))
	}
}

// decodeByteArray parses [1,2,3]. Unmarshalling straight into []byte would
// expect base64, so the values go through []int and are range-checked.
func decodeByteArray(raw json.RawMessage) ([]byte, error) {
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("%w: byte array: %w", ErrDecode, err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range: %d", ErrDecode, i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func kindOf(first byte) string {
	switch first {
	case 'n':
		return "null"
	case 't', 'f':
		return "bool"
	default:
		return "number"
	}
}
