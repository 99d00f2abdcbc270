// Package tts defines the speech-synthesis contract.
//
// Synthesizers are shared services, not pooled: implementations must accept
// concurrent Synthesize calls for different calls.
package tts

import "context"

// Audio is one synthesized utterance as 16-bit signed little-endian mono PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Synthesizer converts reply text to speech.
type Synthesizer interface {
	// Synthesize renders text with the given voice. An empty voice selects
	// the implementation default.
	Synthesize(ctx context.Context, text, voice string) (Audio, error)
}
