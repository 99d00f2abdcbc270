// Package app wires all Voxline subsystems into a running call server.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem synchronously (store, recognition pool, providers, registry,
// HTTP surface), Run serves until the context is cancelled, and Close tears
// everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithStore,
// WithRecognizers, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/health"
	"github.com/voxline/voxline/internal/notify"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/resilience"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/internal/sttpool"
	"github.com/voxline/voxline/internal/telephony"
	"github.com/voxline/voxline/internal/transcript"
	"github.com/voxline/voxline/internal/transcript/phonetic"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/provider/llm"
	"github.com/voxline/voxline/pkg/provider/llm/anyllm"
	llmopenai "github.com/voxline/voxline/pkg/provider/llm/openai"
	"github.com/voxline/voxline/pkg/provider/stt"
	sttmock "github.com/voxline/voxline/pkg/provider/stt/mock"
	"github.com/voxline/voxline/pkg/provider/stt/whispercpp"
	"github.com/voxline/voxline/pkg/provider/stt/whisperhttp"
	"github.com/voxline/voxline/pkg/provider/tts"
	"github.com/voxline/voxline/pkg/provider/tts/kokoro"
)

// WebhookPath is where the telephony provider POSTs incoming-call webhooks.
const WebhookPath = "/voice"

// recognitionSampleRate is the PCM rate fed to the recognition pool.
// Telephony audio arrives at 8 kHz and is upsampled before segmentation.
const recognitionSampleRate = 16_000

// shutdownGrace bounds how long Run waits for in-flight HTTP traffic after
// the context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	store      store.Store
	recs       []stt.Recognizer
	generator  llm.Provider
	synth      tts.Synthesizer
	notifier   notify.Notifier
	skipWarmup bool

	pool      *sttpool.Pool
	registry  *call.Registry
	runner    *pipeline.Runner
	processor *notify.Processor

	httpSrv    *http.Server
	metricsSrv *http.Server

	// closers run in reverse order during Close.
	closers   []func() error
	closeOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRecognizers injects the pool's recognizers instead of building them
// from the configured backend. Overrides pool.size.
func WithRecognizers(recs []stt.Recognizer) Option {
	return func(a *App) { a.recs = recs }
}

// WithGenerator injects the reply-generation provider.
func WithGenerator(p llm.Provider) Option {
	return func(a *App) { a.generator = p }
}

// WithSynthesizer injects the speech synthesizer.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithNotifier injects the post-call notifier. Defaults to notify.LogNotifier.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics injects the metrics sink instead of building instruments on
// the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithoutWarmup skips the pool warm-up inference during New. Tests use this
// so construction does not depend on a reachable recognition backend.
func WithoutWarmup() Option {
	return func(a *App) { a.skipWarmup = true }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: by the time New returns, the store is reachable, every
// recognition worker is loaded and warmed, and the HTTP surface is
// constructed (but not yet listening; that happens in Run).
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: create metrics: %w", err)
		}
		a.metrics = m
	}

	if err := a.initStore(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initPool(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init recognition pool: %w", err)
	}
	if err := a.initProviders(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	a.initPipeline()
	a.initHTTP()
	return a, nil
}

// initStore connects the configured persistence backend.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.store = pg
		slog.Info("store connected", "driver", "postgres")

	case config.DriverMemory:
		a.store = store.NewMemStore()
		slog.Warn("using in-memory store; businesses must be seeded programmatically and call records will not survive restarts")

	default:
		return fmt.Errorf("unsupported store driver %q", a.cfg.Store.Driver)
	}
	return nil
}

// initPool builds the configured recognizers, assembles the worker pool,
// and pays the model-load cost up front with a warm-up inference.
func (a *App) initPool(ctx context.Context) error {
	if a.recs == nil {
		recs, err := a.buildRecognizers()
		if err != nil {
			return err
		}
		a.recs = recs
	}

	pool, err := sttpool.New(a.recs,
		sttpool.WithAcquireTimeout(a.cfg.Pool.AcquireTimeout),
		sttpool.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	if a.skipWarmup {
		return nil
	}
	start := time.Now()
	if err := pool.Warmup(ctx, recognitionSampleRate); err != nil {
		return fmt.Errorf("warm up pool: %w", err)
	}
	slog.Info("recognition pool ready",
		"workers", pool.Size(),
		"backend", a.cfg.Pool.Backend,
		"warmup", time.Since(start).Round(time.Millisecond))
	return nil
}

// buildRecognizers loads cfg.Pool.Size independent engines for the
// configured backend. Each worker owns its own engine instance; the pool
// never runs two inferences on the same one.
func (a *App) buildRecognizers() ([]stt.Recognizer, error) {
	pc := a.cfg.Pool
	recs := make([]stt.Recognizer, 0, pc.Size)
	for i := 0; i < pc.Size; i++ {
		var (
			rec stt.Recognizer
			err error
		)
		switch pc.Backend {
		case config.BackendNative:
			rec, err = whispercpp.New(pc.ModelPath, whispercpp.WithLanguage(pc.Language))
		case config.BackendServer:
			rec, err = whisperhttp.New(pc.ServerURL, whisperhttp.WithLanguage(pc.Language))
		case config.BackendMock:
			rec = &sttmock.Recognizer{}
		default:
			err = fmt.Errorf("unsupported pool backend %q", pc.Backend)
		}
		if err != nil {
			for _, r := range recs {
				r.Close()
			}
			return nil, fmt.Errorf("build recognizer %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// initProviders constructs the reply generator (with its optional fallback
// chain) and the speech synthesizer.
func (a *App) initProviders() error {
	if a.generator == nil {
		primary, err := buildGenerator(a.cfg.LLM.Provider, a.cfg.LLM.Model,
			a.cfg.LLM.APIKeyEnv, a.cfg.LLM.BaseURL)
		if err != nil {
			return fmt.Errorf("build llm provider %q: %w", a.cfg.LLM.Provider, err)
		}
		a.generator = primary

		if fb := a.cfg.LLM.Fallback; fb != nil {
			secondary, err := buildGenerator(fb.Provider, fb.Model, fb.APIKeyEnv, fb.BaseURL)
			if err != nil {
				return fmt.Errorf("build fallback llm provider %q: %w", fb.Provider, err)
			}
			chain := resilience.NewLLMFailover(primary, resilience.ChainConfig{})
			chain.Add(secondary)
			a.generator = chain
			slog.Info("llm failover enabled",
				"primary", primary.Name(), "fallback", secondary.Name())
		}
	}

	if a.synth == nil {
		kopts := []kokoro.Option{}
		if a.cfg.TTS.Voice != "" {
			kopts = append(kopts, kokoro.WithVoice(a.cfg.TTS.Voice))
		}
		if a.cfg.TTS.Speed != 0 {
			kopts = append(kopts, kokoro.WithSpeed(a.cfg.TTS.Speed))
		}
		synth, err := kokoro.New(a.cfg.TTS.BaseURL, kopts...)
		if err != nil {
			return fmt.Errorf("build tts client: %w", err)
		}
		a.synth = synth
	}
	return nil
}

// buildGenerator creates one llm.Provider. The "openai" backend uses the
// dedicated OpenAI client when a key is present so a failover chain can
// pair it against an any-llm backend without sharing client state; every
// other backend goes through any-llm.
func buildGenerator(provider, model, apiKeyEnv, baseURL string) (llm.Provider, error) {
	var apiKey string
	if apiKeyEnv != "" {
		apiKey = os.Getenv(apiKeyEnv)
	}

	if strings.EqualFold(provider, "openai") && apiKey != "" {
		var opts []llmopenai.Option
		if baseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(baseURL))
		}
		return llmopenai.New(apiKey, model, opts...)
	}

	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}
	return anyllm.New(provider, model, opts...)
}

// initPipeline assembles the registry, turn runner, and post-call processor.
func (a *App) initPipeline() {
	a.registry = call.NewRegistry(
		call.WithSegmenterConfig(audio.SegmenterConfig{
			SampleRate:     recognitionSampleRate,
			RMSThreshold:   float64(a.cfg.Audio.RMSThreshold),
			SilenceMs:      a.cfg.Audio.SilenceMs,
			MinSpeechMs:    a.cfg.Audio.MinSpeechMs,
			MaxUtteranceMs: a.cfg.Audio.MaxUtteranceMs,
		}),
		call.WithMaxIdle(a.cfg.Calls.MaxIdle),
		call.WithMetrics(a.metrics),
	)

	corrector := transcript.New(a.store,
		transcript.WithPhoneticMatcher(phonetic.New()))

	popts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithSampling(a.cfg.LLM.Temperature, a.cfg.LLM.MaxTokens),
	}
	if a.cfg.Calls.FallbackPrompt != "" {
		popts = append(popts, pipeline.WithFallbackPrompt(a.cfg.Calls.FallbackPrompt))
	}
	a.runner = pipeline.New(a.pool, corrector, a.generator, a.synth,
		recognitionSampleRate, popts...)

	a.processor = notify.NewProcessor(
		notify.NewExtractor(a.generator), a.store, a.notifier)
}

// initHTTP builds the public server (webhook + media stream) and, when
// configured, the metrics server (Prometheus scrape + health probes).
func (a *App) initHTTP() {
	lookup := call.BusinessLookup(a.store.BusinessByNumber)

	streamHandler := telephony.NewStreamHandler(a.registry, a.runner, lookup,
		telephony.WithPostCall(a.processor.PostCall),
		telephony.WithStreamMetrics(a.metrics),
	)
	webhook := telephony.NewWebhook(lookup, a.registry,
		a.cfg.Server.PublicHost, a.cfg.Calls.MaxConcurrent)

	mux := http.NewServeMux()
	mux.Handle("POST "+WebhookPath, webhook)
	mux.Handle("GET "+telephony.StreamPath, streamHandler)
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.Server.MetricsAddr == "" {
		return
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	health.New(a.healthChecks()...).Register(metricsMux)
	a.metricsSrv = &http.Server{
		Addr:              a.cfg.Server.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// healthChecks assembles the readiness probes for the configured backends.
func (a *App) healthChecks() []health.Check {
	checks := []health.Check{
		{
			Name: "store",
			Probe: func(ctx context.Context) error {
				_, err := a.store.ListCorrectionRules(ctx)
				return err
			},
		},
		{
			Name: "pool",
			Probe: func(context.Context) error {
				stats := a.pool.Stats()
				if stats.Size == 0 {
					return errors.New("no recognition workers")
				}
				return nil
			},
		},
	}
	if a.synthIsKokoro() {
		checks = append(checks, health.HTTPCheck("tts", a.cfg.TTS.BaseURL+"/v1/models"))
	}
	if a.cfg.Pool.Backend == config.BackendServer {
		checks = append(checks, health.HTTPCheck("whisper", a.cfg.Pool.ServerURL))
	}
	return checks
}

// synthIsKokoro reports whether the synthesizer was built from config, so
// the TTS readiness probe only targets a real server.
func (a *App) synthIsKokoro() bool {
	_, ok := a.synth.(*kokoro.Client)
	return ok
}

// Registry exposes the call registry, for tests and seeding tools.
func (a *App) Registry() *call.Registry { return a.registry }

// Handler exposes the public HTTP handler, for httptest-based tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Run serves HTTP traffic and runs the stale-session sweep until ctx is
// cancelled, then drains in-flight requests and returns. A clean,
// signal-driven exit returns nil.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serve(a.httpSrv, "public") })
	if a.metricsSrv != nil {
		g.Go(func() error { return serve(a.metricsSrv, "metrics") })
	}

	g.Go(func() error {
		err := a.registry.Sweep(ctx, a.cfg.Calls.SweepInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		var errs []error
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown public server: %w", err))
		}
		if a.metricsSrv != nil {
			if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	slog.Info("voxline serving",
		"listen_addr", a.cfg.Server.ListenAddr,
		"metrics_addr", a.cfg.Server.MetricsAddr,
		"webhook", WebhookPath,
		"stream", telephony.StreamPath)

	return g.Wait()
}

// serve runs one HTTP server, translating the listener-closed sentinel into
// a clean exit.
func serve(srv *http.Server, name string) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Close releases every subsystem in reverse-init order. Safe to call more
// than once. Call it after Run returns; transports are already drained by
// then.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() { err = a.runClosers() })
	return err
}

func (a *App) runClosers() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
