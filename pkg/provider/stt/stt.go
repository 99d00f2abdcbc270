// Package stt defines the recognition engine contract shared by the worker
// pool and its backends.
//
// Segmentation happens upstream (pkg/audio); a Recognizer only ever sees one
// complete utterance at a time, which keeps the engine contract batch-shaped
// and lets one loaded model serve many calls through the pool.
package stt

import "context"

// Recognizer transcribes one complete utterance of 16-bit signed
// little-endian mono PCM. Implementations need not be safe for concurrent
// use; the pool guarantees at most one in-flight Transcribe per instance.
type Recognizer interface {
	// Transcribe returns the recognized text for the utterance, or an
	// empty string when the engine heard nothing intelligible.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)

	// Close releases engine resources. The pool calls it once at shutdown.
	Close() error
}
