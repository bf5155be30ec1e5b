package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	delay time.Duration
}

// NewMockSynth returns a synthesizer that produces a tiny deterministic
// payload after a short delay, for development without a real backend.
func NewMockSynth() Synthesizer {
	return &mockSynth{delay: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}
	out := []byte("mock-audio:")
	return append(out, req.Text...), nil
}
