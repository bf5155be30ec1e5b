package tts

import "context"

// Request contains parameters for one synthesis call. Voice, Rate and
// Volume are free-form identifiers the backend interprets.
type Request struct {
	Text   string
	Voice  string
	Rate   string
	Volume string
}

// Synthesizer is the contract for producing audio from text. A call
// returns the complete encoded audio for the request or an error;
// implementations must honor ctx cancellation.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
