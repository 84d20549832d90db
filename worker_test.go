package drayq

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drayq/drayq/internal/backend"
	"github.com/drayq/drayq/internal/envelope"
	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/pkg/transports/bolt"
)

func newTestWorker(t *testing.T, opts *Options) *Worker {
	t.Helper()

	dir := t.TempDir()
	if opts == nil {
		opts = &Options{}
	}
	if len(opts.BrokerURL) == 0 {
		opts.BrokerURL = "bolt://" + filepath.Join(dir, "queue.db")
	}
	if len(opts.ResultBackendURL) == 0 {
		opts.ResultBackendURL = "bolt://" + filepath.Join(dir, "results.db")
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = 10 * time.Millisecond
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 2
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 500 * time.Millisecond
	}

	w, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	// Safe on stopped workers: every Close in the chain is idempotent.
	t.Cleanup(w.close)

	return w
}

// startWorker runs the worker on a background goroutine and returns a
// stop func that shuts it down and reports Run's error. The stop func is
// idempotent and also registered as cleanup.
func startWorker(t *testing.T, w *Worker) func() error {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background())
	}()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			w.Shutdown()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				err = fmt.Errorf("worker did not stop in time")
			}
		})
		return err
	}

	t.Cleanup(func() {
		if err := stop(); err != nil {
			t.Fatal(err)
		}
	})

	return stop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not reached in time")
}

func entryState(w *Worker, id string) backend.State {
	e, err := w.store.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return e.State
}

func TestWorkerRunsTask(t *testing.T) {
	w := newTestWorker(t, nil)

	err := w.Register("calc.add", func(_ context.Context, tk *Task) (any, error) {
		sum := 0.0
		for _, a := range tk.Args {
			sum += a.(float64)
		}
		return sum, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	startWorker(t, w)

	id, err := w.Client().Enqueue(context.Background(), "calc.add", []any{1.0, 2.0, 3.0}, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return entryState(w, id) == backend.StateSuccess
	})

	e, err := w.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if e.Result != 6.0 {
		t.Fatalf("expected result 6, got %v", e.Result)
	}
	if e.RetryCount != 0 {
		t.Fatalf("expected no retries, got %d", e.RetryCount)
	}
}

func TestWorkerBuiltinPing(t *testing.T) {
	w := newTestWorker(t, nil)
	startWorker(t, w)

	id, err := w.Client().Enqueue(context.Background(), PingTask, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return entryState(w, id) == backend.StateSuccess
	})

	e, _ := w.store.Get(context.Background(), id)
	if e.Result != "pong" {
		t.Fatalf("expected pong, got %v", e.Result)
	}
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	w := newTestWorker(t, nil)

	var attempts atomic.Int32
	err := w.Register("flaky", func(_ context.Context, _ *Task) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	startWorker(t, w)

	id, err := w.Client().Enqueue(context.Background(), "flaky", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return entryState(w, id) == backend.StateSuccess
	})

	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	e, _ := w.store.Get(context.Background(), id)
	if e.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", e.RetryCount)
	}
}

func TestWorkerRetryExhaustionDeadLetters(t *testing.T) {
	w := newTestWorker(t, nil)

	var attempts atomic.Int32
	err := w.Register("doomed", func(_ context.Context, _ *Task) (any, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("disk full")
	})
	if err != nil {
		t.Fatal(err)
	}

	startWorker(t, w)

	id, err := w.Client().Enqueue(context.Background(), "doomed", nil, nil, WithMaxRetries(2))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return entryState(w, id) == backend.StateFailure
	})

	// Initial attempt plus two retries, never more.
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	bodies, err := w.tr.Peek(context.Background(), "default.dlq", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(bodies))
	}

	dl, err := envelope.DecodeDeadLetter(bodies[0])
	if err != nil {
		t.Fatal(err)
	}
	if dl.Envelope == nil || dl.Envelope.ID != id {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if dl.Envelope.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", dl.Envelope.RetryCount)
	}
	if !strings.Contains(dl.Reason, "retries exhausted") {
		t.Fatalf("unexpected reason %q", dl.Reason)
	}
}

func TestWorkerFatalErrorSkipsRetries(t *testing.T) {
	w := newTestWorker(t, nil)

	var attempts atomic.Int32
	err := w.Register("rejects", func(_ context.Context, _ *Task) (any, error) {
		attempts.Add(1)
		return nil, Fatal(fmt.Errorf("schema mismatch"))
	})
	if err != nil {
		t.Fatal(err)
	}

	startWorker(t, w)

	id, err := w.Client().Enqueue(context.Background(), "rejects", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return entryState(w, id) == backend.StateFailure
	})

	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestWorkerUnknownTypeDeadLetters(t *testing.T) {
	w := newTestWorker(t, nil)
	startWorker(t, w)

	id, err := w.Client().Enqueue(context.Background(), "never.registered", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return entryState(w, id) == backend.StateFailure
	})

	e, _ := w.store.Get(context.Background(), id)
	if !strings.Contains(e.Reason, "unknown task type") {
		t.Fatalf("unexpected reason %q", e.Reason)
	}
}

func TestWorkerPriorityOrder(t *testing.T) {
	w := newTestWorker(t, &Options{Concurrency: 1})

	var mu sync.Mutex
	var order []string
	err := w.Register("ordered", func(_ context.Context, tk *Task) (any, error) {
		mu.Lock()
		order = append(order, tk.Kwargs["name"].(string))
		mu.Unlock()
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Enqueued before the worker runs so dispatch order depends on
	// priority alone, not fetch timing.
	client := w.Client()
	ids := make([]string, 0, 3)
	for _, job := range []struct {
		name string
		prio int
	}{
		{"a", 5},
		{"b", 1},
		{"c", 5},
	} {
		id, err := client.Enqueue(
			context.Background(),
			"ordered",
			nil,
			map[string]any{"name": job.name},
			WithPriority(job.prio),
		)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	startWorker(t, w)

	waitFor(t, func() bool {
		for _, id := range ids {
			if entryState(w, id) != backend.StateSuccess {
				return false
			}
		}
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "c", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestWorkerDelayedTask(t *testing.T) {
	w := newTestWorker(t, nil)

	var ranAt atomic.Int64
	err := w.Register("later", func(_ context.Context, _ *Task) (any, error) {
		ranAt.Store(time.Now().UnixNano())
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	startWorker(t, w)

	delay := 100 * time.Millisecond
	enqueuedAt := time.Now()
	id, err := w.Client().Enqueue(context.Background(), "later", nil, nil, WithDelay(delay))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return entryState(w, id) == backend.StateSuccess
	})

	elapsed := time.Duration(ranAt.Load() - enqueuedAt.UnixNano())
	if elapsed < delay {
		t.Fatalf("task ran after %s, before its %s delay", elapsed, delay)
	}
}

func TestWorkerShutdownRequeuesInFlight(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.db")
	resultPath := filepath.Join(dir, "results.db")

	w := newTestWorker(t, &Options{
		BrokerURL:        "bolt://" + queuePath,
		ResultBackendURL: "bolt://" + resultPath,
		Concurrency:      1,
		ShutdownGrace:    50 * time.Millisecond,
	})

	started := make(chan struct{}, 1)
	err := w.Register("stuck", func(ctx context.Context, _ *Task) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := startWorker(t, w)

	id, err := w.Client().Enqueue(context.Background(), "stuck", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	if err := stop(); err != nil {
		t.Fatal(err)
	}

	// The delivery must be back in pending, unchanged, with its outcome
	// never recorded as a failure.
	tr, err := bolt.NewTransport(&bolt.Options{Path: queuePath})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	stats, err := tr.Stats(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 || stats.InFlight != 0 {
		t.Fatalf("expected 1 pending, 0 in flight, got %+v", stats)
	}

	store, err := backend.NewBoltStore(&backend.BoltOpts{Path: resultPath})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	e, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != backend.StateQueued {
		t.Fatalf("expected queued, got %s", e.State)
	}
	if e.RetryCount != 0 {
		t.Fatalf("requeue must not touch the retry count, got %d", e.RetryCount)
	}
}

func TestRegisterAfterRunErrors(t *testing.T) {
	w := newTestWorker(t, nil)
	startWorker(t, w)

	// startWorker returns before Run marks the worker started; wait so
	// the registration really happens after Run.
	waitFor(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.started
	})

	err := w.Register("late", func(_ context.Context, _ *Task) (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestRegisterDuplicateErrors(t *testing.T) {
	w := newTestWorker(t, nil)

	h := func(_ context.Context, _ *Task) (any, error) {
		return nil, nil
	}
	if err := w.Register("dup", h); err != nil {
		t.Fatal(err)
	}

	err := w.Register("dup", h)
	if !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	w := newTestWorker(t, nil)
	client := w.Client()

	if _, err := client.Enqueue(context.Background(), "", nil, nil); err == nil {
		t.Fatal("expected an error for empty type")
	}

	_, err := client.Enqueue(context.Background(), "x", nil, nil, WithMaxRetries(-1))
	if err == nil {
		t.Fatal("expected an error for negative retries")
	}
}

func TestUnsupportedBrokerScheme(t *testing.T) {
	_, err := New(&Options{BrokerURL: "amqp://localhost"})
	if err == nil {
		t.Fatal("expected an error")
	}
}
