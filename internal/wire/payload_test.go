package wire

import (
	"bytes"
	"compress/gzip"
	"testing"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestUnwrapDecompresses(t *testing.T) {
	inner := []byte("WebcastChatMessage hello")
	f := Frame{Payload: gzipBytes(t, inner)}
	got := Unwrap(f)
	if !bytes.Equal(got, inner) {
		t.Fatalf("expected decompressed payload %q, got %q", inner, got)
	}
}

func TestUnwrapNoPayload(t *testing.T) {
	if got := Unwrap(Frame{}); got != nil {
		t.Fatalf("expected nil for missing payload, got %q", got)
	}
}

func TestUnwrapBadHeaderFallsBack(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	got := Unwrap(Frame{Payload: raw})
	if !bytes.Equal(got, raw) {
		t.Fatalf("expected raw bytes back, got %x", got)
	}
}

func TestUnwrapCorruptStreamFallsBack(t *testing.T) {
	raw := gzipBytes(t, bytes.Repeat([]byte("abc"), 100))
	raw = raw[:len(raw)-6] // chop the trailer and some deflate data
	got := Unwrap(Frame{Payload: raw})
	if !bytes.Equal(got, raw) {
		t.Fatalf("expected corrupt stream passed through unchanged")
	}
}
