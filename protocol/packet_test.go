package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	packets := []Packet{
		{ID: 1, Type: "kdeconnect.ping", Body: map[string]any{}},
		{
			ID:   1700000000000,
			Type: "kdeconnect.battery",
			Body: map[string]any{
				"currentCharge": json.Number("42"),
				"isCharging":    true,
				"nested":        map[string]any{"a": []any{"x", json.Number("2"), nil}},
				"label":         "héllo \"quoted\"\nline",
			},
		},
		{
			ID:                  7,
			Type:                "kdeconnect.share.request",
			Body:                map[string]any{"filename": "a.txt"},
			PayloadSize:         1024,
			PayloadTransferInfo: map[string]any{"port": json.Number("1739")},
		},
	}

	for _, want := range packets {
		raw, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", want.Type, err)
		}
		if !bytes.HasSuffix(raw, []byte("\n")) {
			t.Fatalf("expected newline terminator, got %q", raw)
		}
		if bytes.Count(raw, []byte("\n")) != 1 {
			t.Fatalf("expected exactly one newline in %q", raw)
		}

		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", want.Type, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, want)
		}
	}
}

func TestDecodeKeepsLargeIntegersExact(t *testing.T) {
	const big = int64(1)<<62 + 1
	raw, err := Encode(NewPacket("x.big", map[string]any{"n": big}))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	p, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n, ok := p.Int("n"); !ok || n != big {
		t.Fatalf("Int = %d %v, want %d", n, ok, big)
	}

	again, err := Encode(p)
	if err != nil {
		t.Fatalf("re-Encode failed: %v", err)
	}
	if !bytes.Equal(again, raw) {
		t.Fatalf("re-encoding changed the packet:\n%s\n%s", raw, again)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	p := Packet{ID: 3, Type: "x.y", Body: map[string]any{"b": 1, "a": 2, "c": 3}}
	first, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if !bytes.Equal(first, next) {
			t.Fatalf("encoding changed between calls: %q vs %q", first, next)
		}
	}
	if !strings.Contains(string(first), `"body":{"a":2,"b":1,"c":3}`) {
		t.Fatalf("expected sorted body keys, got %q", first)
	}
}

func TestEncodeRejectsMissingType(t *testing.T) {
	if _, err := Encode(Packet{Body: map[string]any{}}); err == nil {
		t.Fatalf("expected error for empty type")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":          []byte("\n"),
		"not json":       []byte("hello\n"),
		"array":          []byte(`[1,2,3]` + "\n"),
		"missing type":   []byte(`{"id":1,"body":{}}` + "\n"),
		"empty type":     []byte(`{"id":1,"type":"","body":{}}` + "\n"),
		"numeric type":   []byte(`{"id":1,"type":5,"body":{}}` + "\n"),
		"missing body":   []byte(`{"id":1,"type":"a.b"}` + "\n"),
		"body array":     []byte(`{"id":1,"type":"a.b","body":[]}` + "\n"),
		"body string":    []byte(`{"id":1,"type":"a.b","body":"x"}` + "\n"),
		"body null":      []byte(`{"id":1,"type":"a.b","body":null}` + "\n"),
		"invalid utf8":   append([]byte(`{"id":1,"type":"a.b","body":{"k":"`), 0xff, '"', '}', '}', '\n'),
		"string id":      []byte(`{"id":"x","type":"a.b","body":{}}` + "\n"),
		"two lines":      []byte(`{"id":1,"type":"a.b","body":{}}` + "\n" + `{}` + "\n"),
		"truncated json": []byte(`{"id":1,"type":"a.b","body":{` + "\n"),
	}

	for name, raw := range cases {
		_, err := Decode(raw)
		if !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("%s: expected ErrMalformedPacket, got %v", name, err)
		}
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("%s: expected *DecodeError, got %T", name, err)
		}
	}
}

func TestDecodeDoesNotValidateCapabilitySchema(t *testing.T) {
	p, err := Decode([]byte(`{"id":1,"type":"kdeconnect.battery","body":{"currentCharge":"not a number"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := p.Int("currentCharge"); ok {
		t.Fatalf("expected Int lookup to fail on string field")
	}
	if v, ok := p.String("currentCharge"); !ok || v != "not a number" {
		t.Fatalf("unexpected String lookup result %q %v", v, ok)
	}
}

func TestReaderRecoversBoundariesAndSkipsMalformedLines(t *testing.T) {
	var stream bytes.Buffer
	first := Packet{ID: 1, Type: "a.one", Body: map[string]any{"n": json.Number("1")}}
	second := Packet{ID: 2, Type: "a.two", Body: map[string]any{}}
	if err := WritePacket(&stream, first); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}
	stream.WriteString("garbage\n")
	if err := WritePacket(&stream, second); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}

	reader := NewReader(&stream)
	got, err := reader.ReadPacket()
	if err != nil || !reflect.DeepEqual(got, first) {
		t.Fatalf("first packet mismatch: %#v %v", got, err)
	}
	if _, err := reader.ReadPacket(); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected malformed packet, got %v", err)
	}
	got, err = reader.ReadPacket()
	if err != nil || !reflect.DeepEqual(got, second) {
		t.Fatalf("second packet mismatch: %#v %v", got, err)
	}
	if _, err := reader.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderBoundsLineLength(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString(`{"id":1,"type":"a.b","body":{"pad":"`)
	stream.WriteString(strings.Repeat("x", 200*1024))
	stream.WriteString("\"}}\n")
	next := Packet{ID: 9, Type: "a.next", Body: map[string]any{}}
	if err := WritePacket(&stream, next); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}

	reader := NewReaderSize(&stream, 1024)
	_, err := reader.ReadPacket()
	if !errors.Is(err, ErrPacketTooLarge) || !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected oversize decode error, got %v", err)
	}
	got, err := reader.ReadPacket()
	if err != nil || !reflect.DeepEqual(got, next) {
		t.Fatalf("expected reader to resync on next line, got %#v %v", got, err)
	}
}

func TestReaderReportsTruncatedStream(t *testing.T) {
	reader := NewReader(strings.NewReader(`{"id":1,"type":"a.b"`))
	if _, err := reader.ReadPacket(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
