package wire

import (
	"bytes"
	"math/rand"
	"reflect"
	"testing"
)

func TestDecodeVarintFields(t *testing.T) {
	data := []byte{0x08, 0x01, 0x10, 0x2a}
	f := Decode(data)
	if f.SeqID == nil || *f.SeqID != 1 {
		t.Fatalf("expected seq_id=1, got %v", f.SeqID)
	}
	if f.LogID == nil || *f.LogID != 42 {
		t.Fatalf("expected log_id=42, got %v", f.LogID)
	}
	if f.Service != nil || f.Method != nil || f.Headers != nil ||
		f.PayloadEncoding != nil || f.PayloadType != nil || f.Payload != nil || f.SecondaryLogID != nil {
		t.Fatalf("expected all other fields absent: %+v", f)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Frame{
		{},
		{SeqID: Uint64(1), LogID: Uint64(42)},
		{Service: Uint64(300), Method: Uint64(1<<40 + 7)},
		{PayloadType: String(PayloadTypeMessage), Payload: []byte{0x1f, 0x8b, 0x00}},
		{PayloadEncoding: String("gzip"), SecondaryLogID: String("abc-123")},
		{Headers: map[string]string{"im-cursor": "x1", "compress_type": "gzip"}},
		{
			SeqID:           Uint64(9),
			LogID:           Uint64(10),
			Service:         Uint64(11),
			Method:          Uint64(12),
			Headers:         map[string]string{"k": "v"},
			PayloadEncoding: String("pb"),
			PayloadType:     String(PayloadTypeClose),
			Payload:         []byte("payload"),
			SecondaryLogID:  String("second"),
		},
	}
	for i, want := range cases {
		got := Decode(Encode(want))
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("case %d: round trip mismatch\nwant %+v\ngot  %+v", i, want, got)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	f := Frame{Headers: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first := Encode(f)
	for i := 0; i < 10; i++ {
		if !bytes.Equal(first, Encode(f)) {
			t.Fatal("encode output not deterministic")
		}
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	var data []byte
	data = appendVarintField(data, 15, 999)                  // unknown varint field
	data = appendBytesField(data, 20, []byte("ignore me"))   // unknown bytes field
	data = append(data, 0x7d, 1, 2, 3, 4)                    // field 15, 32-bit fixed
	data = append(data, 0x11, 1, 2, 3, 4, 5, 6, 7, 8)       // field 2, 64-bit fixed (wrong type, skipped)
	data = appendVarintField(data, 1, 7)                     // seq_id survives
	f := Decode(data)
	if f.SeqID == nil || *f.SeqID != 7 {
		t.Fatalf("expected seq_id=7 after skipping unknown fields, got %+v", f)
	}
	if f.LogID != nil {
		t.Fatalf("mistyped field 2 must not populate log_id: %+v", f)
	}
}

func TestDecodeTruncatedKeepsPartial(t *testing.T) {
	full := Encode(Frame{SeqID: Uint64(5), Payload: []byte("0123456789")})
	truncated := full[:len(full)-4]
	f := Decode(truncated)
	if f.SeqID == nil || *f.SeqID != 5 {
		t.Fatalf("expected seq_id preserved from partial frame, got %+v", f)
	}
	if f.Payload != nil {
		t.Fatalf("truncated payload must stay absent, got %q", f.Payload)
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		buf := make([]byte, rng.Intn(64))
		rng.Read(buf)
		_ = Decode(buf)
	}
	// adversarial length prefixes
	_ = Decode([]byte{0x42, 0xff, 0xff, 0xff, 0xff, 0x7f})
	_ = Decode([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80})
	_ = Decode([]byte{0x2a, 0x05, 0x0a, 0xff})
}

func TestDecodeHeaderEntries(t *testing.T) {
	f := Decode(Encode(Frame{Headers: map[string]string{
		"wss_push_log_id": "123",
		"compress_type":   "gzip",
	}}))
	if len(f.Headers) != 2 {
		t.Fatalf("expected 2 headers, got %v", f.Headers)
	}
	if f.Headers["wss_push_log_id"] != "123" || f.Headers["compress_type"] != "gzip" {
		t.Fatalf("unexpected headers: %v", f.Headers)
	}
}

func TestHeartbeatFrame(t *testing.T) {
	raw := Heartbeat()
	want := []byte{0x3a, 0x02, 'h', 'b'}
	if !bytes.Equal(raw, want) {
		t.Fatalf("heartbeat bytes mismatch: got %x want %x", raw, want)
	}
	f := Decode(raw)
	if f.PayloadType == nil || *f.PayloadType != PayloadTypeHeartbeat {
		t.Fatalf("heartbeat frame did not round trip: %+v", f)
	}
}

func TestAckFrame(t *testing.T) {
	raw := Ack("internal_ext|wss_push", 12345)
	f := Decode(raw)
	if f.PayloadType == nil || *f.PayloadType != PayloadTypeAck {
		t.Fatalf("expected ack payload type, got %+v", f.PayloadType)
	}
	if f.LogID == nil || *f.LogID != 12345 {
		t.Fatalf("expected log_id=12345, got %v", f.LogID)
	}
	if string(f.Payload) != "internal_ext|wss_push" {
		t.Fatalf("expected correlation token payload, got %q", f.Payload)
	}

	noLog := Decode(Ack("tok", 0))
	if noLog.LogID != nil {
		t.Fatalf("zero log id must be omitted, got %v", *noLog.LogID)
	}
}

func TestEmpty(t *testing.T) {
	if !Decode(nil).Empty() {
		t.Fatal("decoding no bytes must yield an empty frame")
	}
	if Decode([]byte{0x08, 0x01}).Empty() {
		t.Fatal("a recovered field must not report empty")
	}
}
