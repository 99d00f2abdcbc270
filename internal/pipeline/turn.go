// Package pipeline executes conversational turns: recognition of one
// utterance, transcript correction, reply generation, synthesis and
// delivery of the spoken reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/sttpool"
	"github.com/voxline/voxline/internal/transcript"
	"github.com/voxline/voxline/pkg/provider/llm"
	"github.com/voxline/voxline/pkg/provider/tts"
)

const (
	defaultFallbackPrompt = "Sorry, I didn't catch that. Could you say that again?"
	defaultTemperature    = 0.7
	defaultMaxTokens      = 256
)

// Outbound delivers synthesized audio back to the caller. The telephony
// handler implements it per connection.
type Outbound interface {
	Deliver(ctx context.Context, audio tts.Audio) error
}

// Corrector cleans up recognized text before it reaches history or the
// reply generator.
type Corrector interface {
	Correct(ctx context.Context, text string, vocabulary []string) (string, []transcript.Correction)
}

// Runner drives one conversational turn at a time. Stage failures degrade
// to a spoken fallback prompt; only transport-level delivery failures are
// surfaced to the caller.
type Runner struct {
	pool       *sttpool.Pool
	corrector  Corrector
	generator  llm.Provider
	synth      tts.Synthesizer
	metrics    *observe.Metrics
	sampleRate int

	fallbackPrompt string
	temperature    float64
	maxTokens      int
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithFallbackPrompt overrides the prompt spoken when a turn stage fails.
func WithFallbackPrompt(text string) Option {
	return func(r *Runner) { r.fallbackPrompt = text }
}

// WithSampling sets temperature and max tokens for reply generation.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(r *Runner) {
		r.temperature = temperature
		r.maxTokens = maxTokens
	}
}

// New builds a Runner. sampleRate is the rate of the PCM segments handed to
// RunTurn, which must match what the recognizers expect.
func New(pool *sttpool.Pool, corrector Corrector, generator llm.Provider, synth tts.Synthesizer, sampleRate int, opts ...Option) *Runner {
	r := &Runner{
		pool:           pool,
		corrector:      corrector,
		generator:      generator,
		synth:          synth,
		sampleRate:     sampleRate,
		fallbackPrompt: defaultFallbackPrompt,
		temperature:    defaultTemperature,
		maxTokens:      defaultMaxTokens,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// RunTurn executes one turn for the given utterance segment. It holds the
// session's turn lock for the whole duration, so turns within a call are
// strictly sequential and End can wait for in-flight work.
//
// Recognition failure (including pool exhaustion) mutates nothing and
// answers with the fallback prompt. Generation or synthesis failure keeps
// the user turn in history, appends no assistant turn, and answers with the
// fallback prompt. Only a delivery failure is returned as an error.
func (r *Runner) RunTurn(ctx context.Context, s *call.Session, out Outbound, segmentPCM []byte) error {
	s.LockTurn()
	defer s.UnlockTurn()

	if s.State() != call.StateActive {
		return nil
	}

	turnStart := time.Now()
	logger := slog.With("call_sid", s.CallSID)

	text, err := r.transcribe(ctx, segmentPCM)
	if err != nil {
		r.metrics.RecordPipelineError(ctx, "transcribing")
		r.metrics.RecordTurn(ctx, "fallback")
		if errors.Is(err, sttpool.ErrPoolExhausted) {
			logger.Warn("recognition pool exhausted, asking caller to repeat")
		} else {
			logger.Error("transcription failed", "error", err)
		}
		r.speakFallback(ctx, s, out, logger)
		return nil
	}
	if strings.TrimSpace(text) == "" {
		// Nothing intelligible in the segment; not a turn.
		logger.Debug("empty transcription, skipping turn")
		return nil
	}

	corrected, corrections := r.corrector.Correct(ctx, text, s.Vocabulary())
	if len(corrections) > 0 {
		logger.Debug("transcript corrected",
			"original", text, "corrected", corrected, "corrections", len(corrections))
	}

	s.AppendUser(corrected)

	reply, err := r.generate(ctx, s)
	if err != nil {
		r.metrics.RecordPipelineError(ctx, "generating")
		r.metrics.RecordTurn(ctx, "fallback")
		logger.Error("reply generation failed", "error", err)
		r.speakFallback(ctx, s, out, logger)
		return nil
	}

	audio, err := r.synthesize(ctx, s, reply)
	if err != nil {
		r.metrics.RecordPipelineError(ctx, "synthesizing")
		r.metrics.RecordTurn(ctx, "fallback")
		logger.Error("speech synthesis failed", "error", err)
		r.speakFallback(ctx, s, out, logger)
		return nil
	}

	s.AppendAssistant(reply)
	r.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	r.metrics.RecordTurn(ctx, "ok")

	if err := out.Deliver(ctx, audio); err != nil {
		r.metrics.RecordPipelineError(ctx, "delivering")
		return fmt.Errorf("pipeline: deliver reply for call %s: %w", s.CallSID, err)
	}
	logger.Info("turn completed",
		"user", corrected, "assistant", reply,
		"duration_ms", time.Since(turnStart).Milliseconds())
	return nil
}

// Speak synthesizes text and delivers it without touching conversation
// history. Used for greetings and other out-of-band announcements; the
// caller decides whether the line belongs in history.
func (r *Runner) Speak(ctx context.Context, s *call.Session, out Outbound, text string) error {
	audio, err := r.synthesize(ctx, s, text)
	if err != nil {
		return fmt.Errorf("pipeline: synthesize announcement: %w", err)
	}
	if err := out.Deliver(ctx, audio); err != nil {
		return fmt.Errorf("pipeline: deliver announcement: %w", err)
	}
	return nil
}

// transcribe runs recognition on a pool worker. The returned text is raw
// engine output, not yet corrected.
func (r *Runner) transcribe(ctx context.Context, pcm []byte) (string, error) {
	var text string
	start := time.Now()
	err := r.pool.WithWorker(ctx, func(w *sttpool.Worker) error {
		var innerErr error
		text, innerErr = w.Transcribe(ctx, pcm, r.sampleRate)
		return innerErr
	})
	r.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	return text, err
}

func (r *Runner) generate(ctx context.Context, s *call.Session) (string, error) {
	req := llm.CompletionRequest{
		Messages:    s.History(),
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}
	if s.Business != nil {
		req.SystemPrompt = s.Business.SystemPrompt
	}

	start := time.Now()
	resp, err := r.generator.Complete(ctx, req)
	r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", errors.New("pipeline: empty completion")
	}
	return reply, nil
}

func (r *Runner) synthesize(ctx context.Context, s *call.Session, text string) (tts.Audio, error) {
	var voice string
	if s.Business != nil {
		voice = s.Business.Voice
	}
	start := time.Now()
	audio, err := r.synth.Synthesize(ctx, text, voice)
	r.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	return audio, err
}

// speakFallback asks the caller to repeat. Failures here are logged and
// swallowed; the call must survive a broken turn.
func (r *Runner) speakFallback(ctx context.Context, s *call.Session, out Outbound, logger *slog.Logger) {
	audio, err := r.synthesize(ctx, s, r.fallbackPrompt)
	if err != nil {
		logger.Error("fallback prompt synthesis failed", "error", err)
		return
	}
	if err := out.Deliver(ctx, audio); err != nil {
		logger.Error("fallback prompt delivery failed", "error", err)
	}
}
