package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
)

func TestNormalizePercent(t *testing.T) {
	cases := map[string]string{
		"":     "+0%",
		"+10%": "+10%",
		"-50%": "-50%",
		"10%":  "+10%",
		"fast": "+0%",
		"+0%":  "+0%",
		"100":  "+0%",
	}
	for in, want := range cases {
		if got := normalizePercent(in); got != want {
			t.Fatalf("normalizePercent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAudioChunk(t *testing.T) {
	header := []byte("X-RequestId:abc\r\nContent-Type:audio/mpeg\r\nPath:audio\r\n")
	payload := []byte{0x01, 0x02, 0x03}
	msg := make([]byte, 2)
	binary.BigEndian.PutUint16(msg, uint16(len(header)))
	msg = append(msg, header...)
	msg = append(msg, payload...)

	chunk, ok := audioChunk(msg)
	if !ok || !bytes.Equal(chunk, payload) {
		t.Fatalf("expected audio payload %x, got %x ok=%v", payload, chunk, ok)
	}
}

func TestAudioChunkRejectsNonAudio(t *testing.T) {
	header := []byte("Path:something-else\r\n")
	msg := make([]byte, 2)
	binary.BigEndian.PutUint16(msg, uint16(len(header)))
	msg = append(msg, header...)
	if _, ok := audioChunk(msg); ok {
		t.Fatal("non-audio binary message must be ignored")
	}
	if _, ok := audioChunk([]byte{0x00}); ok {
		t.Fatal("short message must be ignored")
	}
}

func TestEscapeXML(t *testing.T) {
	if got := escapeXML(`<a & "b">`); got != "&lt;a &amp; &quot;b&quot;&gt;" {
		t.Fatalf("unexpected escape: %q", got)
	}
}

func TestMockSynth(t *testing.T) {
	m := NewMockSynth()
	out, err := m.Synthesize(context.Background(), Request{Text: "你好"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected mock audio bytes")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Synthesize(ctx, Request{Text: "x"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
