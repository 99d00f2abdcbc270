// Package mock provides a test double for the stt.Recognizer interface.
//
// Script results via the Text/Err fields or a TranscribeFn, and inspect
// recorded calls afterwards:
//
//	rec := &mock.Recognizer{Text: "hello"}
//	got, _ := rec.Transcribe(ctx, pcm, 16000)
package mock

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Recognizer.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the utterance passed to Transcribe.
	PCM []byte
	// SampleRate as passed to Transcribe.
	SampleRate int
}

// Recognizer is a mock implementation of stt.Recognizer. The zero value
// transcribes everything to "".
type Recognizer struct {
	mu sync.Mutex

	// Text is returned from Transcribe when TranscribeFn is nil.
	Text string
	// Err, if non-nil, is returned as the error from Transcribe.
	Err error
	// TranscribeFn, if non-nil, overrides Text/Err entirely.
	TranscribeFn func(ctx context.Context, pcm []byte, sampleRate int) (string, error)
	// Block, if non-nil, is received from before Transcribe returns. Use it
	// to hold a pool worker busy from a test.
	Block <-chan struct{}

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
	// CloseCalls counts calls to Close.
	CloseCalls int
}

// Transcribe records the call and returns the scripted result.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	r.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.TranscribeCalls = append(r.TranscribeCalls, TranscribeCall{PCM: cp, SampleRate: sampleRate})
	fn := r.TranscribeFn
	text, err := r.Text, r.Err
	block := r.Block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, pcm, sampleRate)
	}
	return text, err
}

// Close counts the call and returns nil.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCalls++
	return nil
}

// Calls returns a snapshot of recorded Transcribe calls. Thread-safe.
func (r *Recognizer) Calls() []TranscribeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TranscribeCall, len(r.TranscribeCalls))
	copy(out, r.TranscribeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TranscribeCalls = nil
	r.CloseCalls = 0
}

// Ensure Recognizer implements stt.Recognizer at compile time.
var _ stt.Recognizer = (*Recognizer)(nil)
