package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

const (
	// MaxPacketSize is the maximum accepted encoded packet size (10 MB).
	MaxPacketSize = 10 * 1024 * 1024
)

var (
	// ErrMalformedPacket indicates invalid framing, encoding, or envelope shape.
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	// ErrPacketTooLarge indicates a packet line exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("protocol: packet exceeds max size")
)

// DecodeError describes why a packet could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: malformed packet: %s: %v", e.Reason, e.Err)
	}
	return "protocol: malformed packet: " + e.Reason
}

// Unwrap lets errors.Is match ErrMalformedPacket and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedPacket, e.Err}
	}
	return []error{ErrMalformedPacket}
}

func malformed(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// Packet is one typed protocol message.
//
// Body is never nil on decoded packets. PayloadSize and PayloadTransferInfo
// describe an out-of-band payload the receiver fetches separately.
type Packet struct {
	ID                  int64          `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         int64          `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

// NewPacket builds a packet stamped with the current time as its ID.
func NewPacket(packetType string, body map[string]any) Packet {
	if body == nil {
		body = map[string]any{}
	}
	return Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: body,
	}
}

// HasPayload reports whether the packet advertises an out-of-band payload.
func (p Packet) HasPayload() bool {
	return p.PayloadSize != 0 || len(p.PayloadTransferInfo) > 0
}

// Encode marshals a packet into one newline-terminated JSON line.
func Encode(p Packet) ([]byte, error) {
	if p.Type == "" {
		return nil, errors.New("protocol: packet type is required")
	}
	if p.Body == nil {
		p.Body = map[string]any{}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal packet %q: %w", p.Type, err)
	}
	if len(raw)+1 > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	return append(raw, '\n'), nil
}

// Decode parses one packet line. A single trailing newline is accepted.
// Numbers in Body and PayloadTransferInfo decode as json.Number.
func Decode(line []byte) (Packet, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return Packet{}, malformed("empty line", nil)
	}
	if bytes.IndexByte(line, '\n') >= 0 {
		return Packet{}, malformed("embedded newline", nil)
	}
	if !utf8.Valid(line) {
		return Packet{}, malformed("invalid UTF-8", nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Packet{}, malformed("not a JSON object", err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return Packet{}, malformed("missing type", nil)
	}
	var packetType string
	if err := json.Unmarshal(rawType, &packetType); err != nil {
		return Packet{}, malformed("type is not a string", err)
	}
	if packetType == "" {
		return Packet{}, malformed("empty type", nil)
	}

	rawBody, ok := fields["body"]
	if !ok {
		return Packet{}, malformed("missing body", nil)
	}
	if !isJSONObject(rawBody) {
		return Packet{}, malformed("body is not an object", nil)
	}

	// Numbers stay json.Number so integers beyond 2^53 survive a round trip.
	var p Packet
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Packet{}, malformed("decode envelope", err)
	}
	if p.Body == nil {
		p.Body = map[string]any{}
	}
	return p, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// WritePacket encodes a packet and writes it with a single Write call.
func WritePacket(w io.Writer, p Packet) error {
	raw, err := Encode(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write packet %q: %w", p.Type, err)
	}
	return nil
}

// String returns a string body field.
func (p Packet) String(key string) (string, bool) {
	v, ok := p.Body[key].(string)
	return v, ok
}

// Bool returns a boolean body field.
func (p Packet) Bool(key string) (bool, bool) {
	v, ok := p.Body[key].(bool)
	return v, ok
}

// Int returns an integral body field, accepting any JSON number form.
func (p Packet) Int(key string) (int64, bool) {
	return toInt64(p.Body[key])
}

// Strings returns a string array body field. Non-string members fail the lookup.
func (p Packet) Strings(key string) ([]string, bool) {
	switch v := p.Body[key].(type) {
	case []string:
		return append([]string(nil), v...), true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
