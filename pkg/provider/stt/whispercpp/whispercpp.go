// Package whispercpp implements stt.Recognizer on the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// One Engine wraps one loaded model instance. Loading is expensive, so the
// worker pool creates all Engines once at startup and reuses them for the
// process lifetime. A fresh whisper context is created per inference; the
// context is not thread-safe but the pool never runs two inferences on the
// same Engine concurrently.
package whispercpp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxline/voxline/pkg/provider/stt"
)

const defaultLanguage = "en"

// Compile-time assertion that Engine satisfies stt.Recognizer.
var _ stt.Recognizer = (*Engine)(nil)

// Engine is a whisper.cpp-backed recognizer.
type Engine struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// New loads the whisper.cpp model from the given file path. The caller must
// call Close when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}

	e := &Engine{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Transcribe implements stt.Recognizer. It converts the utterance to
// normalized float32 samples, runs inference on a fresh context, and joins
// the resulting segments.
func (e *Engine) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}

	samples := pcmToFloat32(pcm)
	if len(samples) == 0 {
		return "", nil
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		slog.Warn("whispercpp: failed to set language, using default", "language", e.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whispercpp: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the whisper model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to [-1.0, 1.0]. A trailing odd byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
