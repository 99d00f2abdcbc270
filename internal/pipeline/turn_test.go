package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/internal/sttpool"
	"github.com/voxline/voxline/internal/transcript"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/provider/llm"
	llmmock "github.com/voxline/voxline/pkg/provider/llm/mock"
	"github.com/voxline/voxline/pkg/provider/stt"
	sttmock "github.com/voxline/voxline/pkg/provider/stt/mock"
	"github.com/voxline/voxline/pkg/provider/tts"
	ttsmock "github.com/voxline/voxline/pkg/provider/tts/mock"
)

// passCorrector returns text unchanged.
type passCorrector struct{}

func (passCorrector) Correct(ctx context.Context, text string, vocabulary []string) (string, []transcript.Correction) {
	return text, nil
}

// rewriteCorrector replaces a fixed word, recording one correction.
type rewriteCorrector struct {
	from, to string
}

func (c rewriteCorrector) Correct(ctx context.Context, text string, vocabulary []string) (string, []transcript.Correction) {
	if !strings.Contains(text, c.from) {
		return text, nil
	}
	return strings.ReplaceAll(text, c.from, c.to), []transcript.Correction{
		{Original: c.from, Corrected: c.to, Method: "rule"},
	}
}

// recordingOutbound captures delivered audio.
type recordingOutbound struct {
	mu        sync.Mutex
	delivered []tts.Audio
	err       error
}

func (o *recordingOutbound) Deliver(ctx context.Context, a tts.Audio) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.delivered = append(o.delivered, a)
	return nil
}

func (o *recordingOutbound) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.delivered)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestPool(t *testing.T, recs []stt.Recognizer, opts ...sttpool.Option) *sttpool.Pool {
	t.Helper()
	opts = append(opts, sttpool.WithMetrics(testMetrics(t)))
	p, err := sttpool.New(recs, opts...)
	if err != nil {
		t.Fatalf("sttpool.New: %v", err)
	}
	return p
}

func newTestSession() *call.Session {
	return call.NewSession("CA1", "+15550002222", "+15550001111",
		&store.Business{Name: "Riverside Plumbing", SystemPrompt: "You answer phones.", Voice: "af_heart"},
		audio.NewSegmenter(audio.SegmenterConfig{SampleRate: 16000}))
}

type runnerParts struct {
	rec    *sttmock.Recognizer
	gen    *llmmock.Provider
	synth  *ttsmock.Synthesizer
	out    *recordingOutbound
	runner *pipeline.Runner
}

func newRunner(t *testing.T, opts ...pipeline.Option) *runnerParts {
	t.Helper()
	p := &runnerParts{
		rec:   &sttmock.Recognizer{Text: "hello there"},
		gen:   &llmmock.Provider{Response: "Hi, how can I help?"},
		synth: &ttsmock.Synthesizer{},
		out:   &recordingOutbound{},
	}
	pool := newTestPool(t, []stt.Recognizer{p.rec})
	opts = append(opts, pipeline.WithMetrics(testMetrics(t)))
	p.runner = pipeline.New(pool, passCorrector{}, p.gen, p.synth, 16000, opts...)
	return p
}

func TestRunTurn_Success(t *testing.T) {
	t.Parallel()
	p := newRunner(t)
	s := newTestSession()

	if err := p.runner.RunTurn(context.Background(), s, p.out, make([]byte, 3200)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	h := s.History()
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[0].Role != llm.RoleUser || h[0].Content != "hello there" {
		t.Errorf("history[0] = %+v", h[0])
	}
	if h[1].Role != llm.RoleAssistant || h[1].Content != "Hi, how can I help?" {
		t.Errorf("history[1] = %+v", h[1])
	}
	if len(s.Transcript()) != 2 {
		t.Errorf("transcript length = %d, want 2", len(s.Transcript()))
	}
	if p.out.count() != 1 {
		t.Errorf("delivered = %d, want 1", p.out.count())
	}
}

func TestRunTurn_SequentialHistoryOrdering(t *testing.T) {
	t.Parallel()
	p := newRunner(t)
	s := newTestSession()

	utterances := []string{"U1", "U2"}
	replies := []string{"R1", "R2"}
	var turn int
	p.gen.CompleteFn = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: replies[turn]}, nil
	}

	for i := range utterances {
		p.rec.Text = utterances[i]
		if err := p.runner.RunTurn(context.Background(), s, p.out, make([]byte, 3200)); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		turn++
	}

	want := []llm.Message{
		{Role: llm.RoleUser, Content: "U1"},
		{Role: llm.RoleAssistant, Content: "R1"},
		{Role: llm.RoleUser, Content: "U2"},
		{Role: llm.RoleAssistant, Content: "R2"},
	}
	got := s.History()
	if len(got) != len(want) {
		t.Fatalf("history length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRunTurn_PoolExhaustedMutatesNothing(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Text: "late answer"}
	pool := newTestPool(t, []stt.Recognizer{rec},
		sttpool.WithAcquireTimeout(20*time.Millisecond))

	gen := &llmmock.Provider{Response: "reply"}
	synth := &ttsmock.Synthesizer{}
	out := &recordingOutbound{}
	runner := pipeline.New(pool, passCorrector{}, gen, synth, 16000,
		pipeline.WithMetrics(testMetrics(t)))
	s := newTestSession()

	// Hold the only worker busy.
	release := make(chan struct{})
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.WithWorker(context.Background(), func(w *sttpool.Worker) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	if err := runner.RunTurn(context.Background(), s, out, make([]byte, 3200)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(s.History()) != 0 || len(s.Transcript()) != 0 {
		t.Fatal("exhausted turn mutated history or transcript")
	}
	if out.count() != 1 {
		t.Fatalf("delivered = %d, want 1 fallback prompt", out.count())
	}
	if len(gen.Recorded()) != 0 {
		t.Fatal("generator was invoked on an exhausted turn")
	}

	// The call stays usable once the worker frees up.
	close(release)
	<-done
	if err := runner.RunTurn(context.Background(), s, out, make([]byte, 3200)); err != nil {
		t.Fatalf("follow-up turn: %v", err)
	}
	if len(s.History()) != 2 {
		t.Fatalf("history length after recovery = %d, want 2", len(s.History()))
	}
}

func TestRunTurn_TranscriptionErrorFallsBack(t *testing.T) {
	t.Parallel()
	p := newRunner(t)
	p.rec.Err = errors.New("engine crashed")
	s := newTestSession()

	if err := p.runner.RunTurn(context.Background(), s, p.out, make([]byte, 3200)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(s.History()) != 0 {
		t.Fatal("failed transcription mutated history")
	}
	if p.out.count() != 1 {
		t.Fatalf("delivered = %d, want 1 fallback prompt", p.out.count())
	}
}

func TestRunTurn_GenerationFailureKeepsUserTurn(t *testing.T) {
	t.Parallel()
	p := newRunner(t)
	p.gen.Err = errors.New("rate limited")
	s := newTestSession()

	if err := p.runner.RunTurn(context.Background(), s, p.out, make([]byte, 3200)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	h := s.History()
	if len(h) != 1 || h[0].Role != llm.RoleUser {
		t.Fatalf("history = %+v, want only the user turn", h)
	}
	if p.out.count() != 1 {
		t.Fatalf("delivered = %d, want 1 fallback prompt", p.out.count())
	}
}

func TestRunTurn_SynthesisFailureKeepsUserTurn(t *testing.T) {
	t.Parallel()
	p := newRunner(t)
	p.synth.Err = errors.New("tts server down")
	s := newTestSession()

	if err := p.runner.RunTurn(context.Background(), s, p.out, make([]byte, 3200)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	h := s.History()
	if len(h) != 1 || h[0].Role != llm.RoleUser {
		t.Fatalf("history = %+v, want only the user turn", h)
	}
	// The fallback prompt needs the same broken synthesizer, so nothing is
	// delivered; the turn must still finish cleanly.
	if p.out.count() != 0 {
		t.Fatalf("delivered = %d, want 0", p.out.count())
	}
}

func TestRunTurn_EmptyTranscriptionSkipsTurn(t *testing.T) {
	t.Parallel()
	p := newRunner(t)
	p.rec.Text = "   "
	s := newTestSession()

	if err := p.runner.RunTurn(context.Background(), s, p.out, make([]byte, 3200)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(s.History()) != 0 || p.out.count() != 0 {
		t.Fatal("empty transcription produced a turn")
	}
	if len(p.gen.Recorded()) != 0 {
		t.Fatal("generator was invoked for an empty transcription")
	}
}

func TestRunTurn_CorrectionPrecedesHistoryAndGeneration(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Text: "I am gonna wait"}
	pool := newTestPool(t, []stt.Recognizer{rec})
	gen := &llmmock.Provider{Response: "ok"}
	runner := pipeline.New(pool, rewriteCorrector{from: "gonna", to: "going to"},
		gen, &ttsmock.Synthesizer{}, 16000,
		pipeline.WithMetrics(testMetrics(t)))
	s := newTestSession()
	out := &recordingOutbound{}

	if err := runner.RunTurn(context.Background(), s, out, make([]byte, 3200)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if got := s.History()[0].Content; got != "I am going to wait" {
		t.Errorf("history stored uncorrected text: %q", got)
	}
	reqs := gen.Recorded()
	if len(reqs) != 1 {
		t.Fatalf("generator calls = %d, want 1", len(reqs))
	}
	if got := reqs[0].Messages[0].Content; got != "I am going to wait" {
		t.Errorf("generator saw uncorrected text: %q", got)
	}
	if reqs[0].SystemPrompt != "You answer phones." {
		t.Errorf("system prompt = %q", reqs[0].SystemPrompt)
	}
}

func TestRunTurn_DeliveryFailureReturnsError(t *testing.T) {
	t.Parallel()
	p := newRunner(t)
	p.out.err = errors.New("socket closed")
	s := newTestSession()

	err := p.runner.RunTurn(context.Background(), s, p.out, make([]byte, 3200))
	if err == nil {
		t.Fatal("expected delivery error")
	}
	// Both turns were already committed before delivery.
	if len(s.History()) != 2 {
		t.Fatalf("history length = %d, want 2", len(s.History()))
	}
}

func TestSpeak_DoesNotTouchHistory(t *testing.T) {
	t.Parallel()
	p := newRunner(t)
	s := newTestSession()

	if err := p.runner.Speak(context.Background(), s, p.out, "Thanks for calling!"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if p.out.count() != 1 {
		t.Fatalf("delivered = %d, want 1", p.out.count())
	}
	if len(s.History()) != 0 {
		t.Fatal("Speak mutated history")
	}
	calls := p.synth.Calls()
	if len(calls) != 1 || calls[0].Text != "Thanks for calling!" {
		t.Fatalf("synthesizer calls = %+v", calls)
	}
}
