package sttpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/sttpool"
	"github.com/voxline/voxline/pkg/provider/stt"
	sttmock "github.com/voxline/voxline/pkg/provider/stt/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newPool(t *testing.T, recs []stt.Recognizer, opts ...sttpool.Option) *sttpool.Pool {
	t.Helper()
	opts = append(opts, sttpool.WithMetrics(testMetrics(t)))
	p, err := sttpool.New(recs, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestPool_ConcurrencyNeverExceedsSize(t *testing.T) {
	t.Parallel()

	const size = 3
	var inFlight, maxInFlight atomic.Int64

	recs := make([]stt.Recognizer, size)
	for i := range recs {
		recs[i] = &sttmock.Recognizer{
			TranscribeFn: func(ctx context.Context, pcm []byte, rate int) (string, error) {
				n := inFlight.Add(1)
				for {
					cur := maxInFlight.Load()
					if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return "ok", nil
			},
		}
	}
	p := newPool(t, recs)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithWorker(context.Background(), func(w *sttpool.Worker) error {
				_, err := w.Transcribe(context.Background(), []byte{0, 0}, 16000)
				return err
			})
			if err != nil {
				t.Errorf("WithWorker: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got > size {
		t.Fatalf("observed %d concurrent transcriptions, pool size is %d", got, size)
	}
}

func TestPool_ExhaustedAfterTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	rec := &sttmock.Recognizer{Block: block}
	p := newPool(t, []stt.Recognizer{rec}, sttpool.WithAcquireTimeout(30*time.Millisecond))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.WithWorker(context.Background(), func(w *sttpool.Worker) error {
			_, err := w.Transcribe(context.Background(), []byte{0, 0}, 16000)
			return err
		})
	}()

	waitFor(t, func() bool { return p.Stats().Busy == 1 })

	err := p.WithWorker(context.Background(), func(w *sttpool.Worker) error { return nil })
	if !errors.Is(err, sttpool.ErrPoolExhausted) {
		t.Fatalf("error = %v, want ErrPoolExhausted", err)
	}

	close(block)
	wg.Wait()

	// The pool must remain usable after an exhaustion.
	if err := p.WithWorker(context.Background(), func(w *sttpool.Worker) error { return nil }); err != nil {
		t.Fatalf("WithWorker after exhaustion: %v", err)
	}
}

func TestPool_FirstAvailableSelection(t *testing.T) {
	t.Parallel()

	recs := make([]stt.Recognizer, 3)
	for i := range recs {
		recs[i] = &sttmock.Recognizer{}
	}
	p := newPool(t, recs)

	// Hold all three workers, remembering which goroutine holds which index.
	indexHeldBy := make(chan int, 3)
	var holders sync.WaitGroup
	release := make([]chan struct{}, 3)
	for i := range release {
		release[i] = make(chan struct{})
	}
	for i := 0; i < 3; i++ {
		holders.Add(1)
		go func() {
			defer holders.Done()
			p.WithWorker(context.Background(), func(w *sttpool.Worker) error {
				indexHeldBy <- w.Index()
				<-release[w.Index()]
				return nil
			})
		}()
	}
	waitFor(t, func() bool { return p.Stats().Busy == 3 })
	for i := 0; i < 3; i++ {
		<-indexHeldBy
	}

	// A fourth acquisition is now waiting.
	got := make(chan int, 1)
	var waiter sync.WaitGroup
	waiter.Add(1)
	go func() {
		defer waiter.Done()
		p.WithWorker(context.Background(), func(w *sttpool.Worker) error {
			got <- w.Index()
			return nil
		})
	}()

	// Free worker 1 first: the waiter must receive exactly that handle.
	close(release[1])
	select {
	case idx := <-got:
		if idx != 1 {
			t.Fatalf("waiter acquired worker %d, want the first released worker 1", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired a worker")
	}

	close(release[0])
	close(release[2])
	holders.Wait()
	waiter.Wait()
}

func TestPool_StatsCountsCompletions(t *testing.T) {
	t.Parallel()

	rec := &sttmock.Recognizer{Text: "hello"}
	p := newPool(t, []stt.Recognizer{rec})

	for i := 0; i < 3; i++ {
		err := p.WithWorker(context.Background(), func(w *sttpool.Worker) error {
			_, err := w.Transcribe(context.Background(), []byte{0, 0}, 16000)
			return err
		})
		if err != nil {
			t.Fatalf("WithWorker: %v", err)
		}
	}

	s := p.Stats()
	if s.Size != 1 || s.Idle != 1 || s.Busy != 0 {
		t.Fatalf("stats = %+v, want size 1, idle 1, busy 0", s)
	}
	if s.Workers[0].Completed != 3 {
		t.Fatalf("completed = %d, want 3", s.Workers[0].Completed)
	}
	if s.Workers[0].LastUsed.IsZero() {
		t.Fatal("lastUsed not recorded")
	}
}

func TestPool_AcquireCancelledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	rec := &sttmock.Recognizer{Block: block}
	p := newPool(t, []stt.Recognizer{rec}, sttpool.WithAcquireTimeout(time.Minute))

	started := make(chan struct{})
	go p.WithWorker(context.Background(), func(w *sttpool.Worker) error {
		close(started)
		_, err := w.Transcribe(context.Background(), []byte{0, 0}, 16000)
		return err
	})
	<-started
	waitFor(t, func() bool { return p.Stats().Busy == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.WithWorker(ctx, func(w *sttpool.Worker) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestPool_WarmupTouchesEveryWorker(t *testing.T) {
	t.Parallel()

	a := &sttmock.Recognizer{}
	b := &sttmock.Recognizer{}
	p := newPool(t, []stt.Recognizer{a, b})

	if err := p.Warmup(context.Background(), 16000); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if len(a.Calls()) != 1 || len(b.Calls()) != 1 {
		t.Fatalf("warmup calls = %d/%d, want 1/1", len(a.Calls()), len(b.Calls()))
	}
	// Warmup inferences are not user transcriptions and must not count.
	for _, ws := range p.Stats().Workers {
		if ws.Completed != 0 {
			t.Fatalf("worker %d completed = %d after warmup, want 0", ws.Index, ws.Completed)
		}
	}
}

func TestPool_CloseClosesRecognizers(t *testing.T) {
	t.Parallel()

	a := &sttmock.Recognizer{}
	b := &sttmock.Recognizer{}
	p, err := sttpool.New([]stt.Recognizer{a, b}, sttpool.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if a.CloseCalls != 1 || b.CloseCalls != 1 {
		t.Fatalf("close calls = %d/%d, want 1/1", a.CloseCalls, b.CloseCalls)
	}
}

func TestPool_NewRequiresWorkers(t *testing.T) {
	t.Parallel()
	if _, err := sttpool.New(nil); err == nil {
		t.Fatal("expected error for empty pool")
	}
}
