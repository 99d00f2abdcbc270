// Package mock provides a test double for the tts.Synthesizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesizer.Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice string
}

// Synthesizer is a mock implementation of tts.Synthesizer. The zero value
// returns one second of 24 kHz silence for every request.
type Synthesizer struct {
	mu sync.Mutex

	// Audio is returned from Synthesize when SynthesizeFn is nil and Err
	// is nil. When Audio is the zero value, a silence buffer is returned.
	Audio tts.Audio
	// Err, if non-nil, is returned as the error from Synthesize.
	Err error
	// SynthesizeFn, if non-nil, overrides Audio/Err entirely.
	SynthesizeFn func(ctx context.Context, text, voice string) (tts.Audio, error)

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the scripted result.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) (tts.Audio, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	fn := s.SynthesizeFn
	audio, err := s.Audio, s.Err
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return tts.Audio{}, err
	}
	if audio.SampleRate == 0 {
		audio = tts.Audio{PCM: make([]byte, 48_000), SampleRate: 24_000}
	}
	return audio, nil
}

// Calls returns a snapshot of recorded calls. Thread-safe.
func (s *Synthesizer) Calls() []SynthesizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SynthesizeCall, len(s.SynthesizeCalls))
	copy(out, s.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
