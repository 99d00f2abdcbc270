// Package sttpool arbitrates concurrent access to a fixed set of loaded
// recognition engines.
//
// Engine instances are expensive to load and not safe for concurrent
// inference, so the pool owns N of them for the process lifetime and hands
// out exclusive worker handles. Acquisition is scoped: callers pass a
// closure to [Pool.WithWorker] and the pool releases the handle when the
// closure returns, so a double release cannot be expressed.
//
// Handles are dispensed over a buffered channel of tokens, which makes the
// claim a single atomic operation: a handle freed by a short utterance is
// immediately available to the next waiter, with no rotation past busy
// workers. No ordering among multiple idle handles is guaranteed.
package sttpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/pkg/provider/stt"
)

// ErrPoolExhausted is returned by WithWorker when every worker stayed busy
// for the whole acquire timeout. It is retryable: the turn pipeline answers
// it with a spoken fallback prompt, never by ending the call.
var ErrPoolExhausted = errors.New("sttpool: all recognition workers busy")

const defaultAcquireTimeout = 5 * time.Second

// Worker is an exclusive-use handle on one recognition engine. A Worker is
// only valid inside the closure passed to [Pool.WithWorker].
type Worker struct {
	index int
	rec   stt.Recognizer
	pool  *Pool
}

// Index returns the worker's stable position in the pool.
func (w *Worker) Index() int { return w.index }

// Transcribe runs one inference on the engine owned by this handle. The
// pool guarantees no other inference is in flight on the same engine.
func (w *Worker) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	text, err := w.rec.Transcribe(ctx, pcm, sampleRate)
	if err != nil {
		return "", err
	}
	w.pool.recordCompletion(w.index)
	return text, nil
}

// WorkerStats is a point-in-time snapshot of one worker's bookkeeping.
type WorkerStats struct {
	Index     int
	Busy      bool
	Completed uint64
	LastUsed  time.Time
}

// Stats is a point-in-time snapshot of the whole pool.
type Stats struct {
	Size    int
	Idle    int
	Busy    int
	Workers []WorkerStats
}

// Pool owns N recognition workers and serializes access to them.
type Pool struct {
	workers        []*Worker
	idle           chan *Worker
	acquireTimeout time.Duration
	metrics        *observe.Metrics

	// mu guards the bookkeeping below. It is held only for bookkeeping
	// mutation, never across an inference.
	mu        sync.Mutex
	busy      []bool
	completed []uint64
	lastUsed  []time.Time
	closed    bool
}

// Option is a functional option for configuring a Pool.
type Option func(*Pool)

// WithAcquireTimeout bounds how long WithWorker waits for an idle handle
// before failing with ErrPoolExhausted. Defaults to 5 s.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New builds a Pool over the given recognizers. The pool takes ownership:
// Close closes every recognizer. At least one recognizer is required.
func New(recs []stt.Recognizer, opts ...Option) (*Pool, error) {
	if len(recs) == 0 {
		return nil, errors.New("sttpool: at least one recognizer is required")
	}
	p := &Pool{
		idle:           make(chan *Worker, len(recs)),
		acquireTimeout: defaultAcquireTimeout,
		busy:           make([]bool, len(recs)),
		completed:      make([]uint64, len(recs)),
		lastUsed:       make([]time.Time, len(recs)),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	for i, rec := range recs {
		w := &Worker{index: i, rec: rec, pool: p}
		p.workers = append(p.workers, w)
		p.idle <- w
	}
	return p, nil
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int { return len(p.workers) }

// WithWorker acquires an idle worker, runs fn with exclusive ownership of
// it, and releases it when fn returns. It blocks until a worker frees up,
// the acquire timeout elapses (ErrPoolExhausted), or ctx is done.
//
// fn runs outside the pool lock; long inferences never block other
// acquirers.
func (p *Pool) WithWorker(ctx context.Context, fn func(w *Worker) error) error {
	start := time.Now()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	var w *Worker
	select {
	case w = <-p.idle:
	case <-timer.C:
		p.metrics.PoolExhausted.Add(ctx, 1)
		return ErrPoolExhausted
	case <-ctx.Done():
		return fmt.Errorf("sttpool: acquire: %w", ctx.Err())
	}

	p.metrics.PoolWaitDuration.Record(ctx, time.Since(start).Seconds())
	p.markBusy(w.index, true)
	p.metrics.BusyWorkers.Add(ctx, 1)

	defer func() {
		p.markBusy(w.index, false)
		p.metrics.BusyWorkers.Add(ctx, -1)
		p.idle <- w
	}()

	return fn(w)
}

// Stats returns a snapshot of idle/busy counts and per-worker usage
// counters. It only takes the bookkeeping lock, so it never waits on an
// in-flight acquisition or inference.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Size: len(p.workers)}
	for i := range p.workers {
		ws := WorkerStats{
			Index:     i,
			Busy:      p.busy[i],
			Completed: p.completed[i],
			LastUsed:  p.lastUsed[i],
		}
		if ws.Busy {
			s.Busy++
		} else {
			s.Idle++
		}
		s.Workers = append(s.Workers, ws)
	}
	return s
}

// Warmup runs a short silent inference on every worker so model-load and
// first-inference costs are paid before the first caller speaks. Workers
// warm up in parallel; the first failure aborts the rest.
func (p *Pool) Warmup(ctx context.Context, sampleRate int) error {
	// 200 ms of silence.
	silence := make([]byte, sampleRate*2/5)

	errc := make(chan error, len(p.workers))
	var wg sync.WaitGroup
	for range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errc <- p.WithWorker(ctx, func(w *Worker) error {
				if _, err := w.rec.Transcribe(ctx, silence, sampleRate); err != nil {
					return fmt.Errorf("sttpool: warm worker: %w", err)
				}
				return nil
			})
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes every recognizer. It must not be called while turns are in
// flight; the app tears down transports first.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, w := range p.workers {
		if err := w.rec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sttpool: close worker %d: %w", w.index, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) markBusy(index int, busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[index] = busy
	if !busy {
		p.lastUsed[index] = time.Now()
	}
}

func (p *Pool) recordCompletion(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed[index]++
}
