// Package drayq is a task-queue worker core: it pulls task envelopes
// from a broker, runs registered handlers under a bounded execution
// pool, and settles each delivery according to its outcome. Delivery is
// at-least-once; handlers must tolerate re-execution.
package drayq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/drayq/drayq/internal/ack"
	"github.com/drayq/drayq/internal/backend"
	"github.com/drayq/drayq/internal/broker"
	"github.com/drayq/drayq/internal/envelope"
	"github.com/drayq/drayq/internal/pool"
	"github.com/drayq/drayq/internal/prefetch"
	"github.com/drayq/drayq/internal/server"
	"github.com/drayq/drayq/internal/transport"
	"github.com/drayq/drayq/internal/utils"
	"github.com/drayq/drayq/pkg/task"
)

// PingTask is registered on every worker; it answers "pong" so liveness
// can be checked through the queue itself.
const PingTask = "drayq.ping"

type Worker struct {
	opts   *Options
	logger *slog.Logger

	tr    transport.Transport
	conn  broker.Connection
	store backend.Store
	buf   *prefetch.Buffer
	reg   *pool.Registry
	pl    *pool.Pool
	mgr   *ack.Manager
	hs    *server.Server

	mu      sync.Mutex
	started bool

	stop     chan utils.Empty
	stopOnce sync.Once
}

func New(opts *Options) (*Worker, error) {
	o := DefaultOptions(opts)

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(
			os.Stdout,
			&slog.HandlerOptions{
				Level: slog.LevelDebug,
			},
		))
	}

	w := &Worker{
		opts:   o,
		logger: o.Logger,
		stop:   make(chan utils.Empty, 1),
	}
	if err := w.init(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Worker) init() error {
	tr, err := openTransport(w.opts.BrokerURL, w.logger)
	if err != nil {
		w.logger.
			With("err", err).
			Error("failed to open broker transport")
		return err
	}
	w.tr = tr

	st, err := backend.Open(w.opts.ResultBackendURL, w.logger)
	if err != nil {
		w.logger.
			With("err", err).
			Error("failed to open result backend")
		return err
	}
	w.store = st

	w.conn = broker.New(&broker.Options{
		Logger:       w.logger,
		Queues:       w.opts.Queues,
		StartupGrace: w.opts.StartupGrace,
		PollInterval: w.opts.PollInterval,
	}, tr)

	w.mgr = ack.NewManager(&ack.Options{
		Logger: w.logger,
		Retry: utils.Backoff{
			Base:   w.opts.RetryBase,
			Cap:    w.opts.RetryCap,
			Jitter: w.opts.RetryJitter,
		},
		DeadLetterQueue: w.opts.DeadLetterQueue,
	}, w.conn, st)

	w.buf = prefetch.NewBuffer(w.opts.Prefetch * w.opts.Concurrency)
	w.reg = pool.NewRegistry()
	w.pl = pool.New(&pool.Options{
		Logger:         w.logger,
		Concurrency:    w.opts.Concurrency,
		DefaultTimeout: w.opts.TaskTimeout,
	}, w.reg, w.buf, w.mgr, st)

	if len(w.opts.OpsAddr) > 0 {
		w.hs = server.NewServer(&server.Options{
			Addr:   w.opts.OpsAddr,
			Logger: w.logger,
		}, tr, st, w.opts.Queues, w.mgr.DeadLetterQueue)
	}

	return w.reg.Register(PingTask, pingHandler)
}

func pingHandler(_ context.Context, _ *task.Task) (any, error) {
	return "pong", nil
}

// Register binds a handler to a task type. Registration is only allowed
// before Run; a duplicate type errors.
func (w *Worker) Register(taskType string, h task.Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("cannot register %q: worker already running", taskType)
	}

	return w.reg.Register(taskType, h)
}

// Client returns a producer that shares this worker's broker connection
// and result backend.
func (w *Worker) Client() *Client {
	return &Client{
		logger:     w.logger,
		conn:       w.conn,
		store:      w.store,
		maxRetries: w.opts.MaxRetries,
	}
}

// Run dials the broker and serves tasks until the context ends or
// Shutdown is called, then stops gracefully: fetched-but-undispatched
// tasks are returned to the broker, in-flight handlers get the shutdown
// grace period, and whatever outlives it is aborted so the broker can
// redeliver. Returns nil on a graceful stop.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.started = true
	w.mu.Unlock()

	if err := w.conn.Dial(ctx); err != nil {
		w.close()
		return fmt.Errorf("failed to reach broker: %w", err)
	}

	if w.hs != nil {
		if err := w.hs.Run(); err != nil {
			w.close()
			return fmt.Errorf("failed to start ops server: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	w.pl.Run(runCtx)

	w.logger.
		With("queues", w.opts.Queues).
		With("concurrency", w.opts.Concurrency).
		With("prefetch", w.buf.Cap()).
		Info("worker is running")

	w.fetch(runCtx)

	w.logger.Info("worker is stopping")
	w.drain()

	if !w.pl.Wait(w.opts.ShutdownGrace) {
		w.logger.
			With("grace", w.opts.ShutdownGrace).
			Info("shutdown grace expired, aborting in-flight tasks")
		w.pl.Abort()

		if !w.pl.Wait(5 * time.Second) {
			w.logger.Error("execution slots still busy, broker will reclaim their leases")
		}
	}

	if n := w.conn.Outstanding(); n > 0 {
		w.logger.
			With("count", n).
			Info("unsettled deliveries left for lease reclaim")
	}

	w.close()
	w.logger.Info("worker is stopped")

	return nil
}

// Shutdown requests a graceful stop. Run returns once it completes.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() {
		w.stop <- utils.Empty{}
	})
}

// fetch keeps the buffer topped up until the context ends. It never asks
// the broker for more than the buffer has room for.
func (w *Worker) fetch(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		free := w.buf.Free()
		if free == 0 {
			if !sleepCtx(ctx, w.opts.PollInterval) {
				return
			}
			continue
		}

		dels, err := w.conn.Fetch(ctx, free)
		if err != nil {
			return
		}

		for _, d := range dels {
			w.dispatch(ctx, d)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, d transport.Delivery) {
	env, err := envelope.Decode(d.Body)
	if err != nil {
		if perr := w.mgr.Poison(ctx, d, err.Error()); perr != nil {
			w.logger.
				With("err", perr).
				With("tag", d.Tag).
				Error("failed to dead-letter poison message")
		}
		return
	}

	if err := w.buf.Put(&prefetch.Item{Env: env, Tag: d.Tag}); err != nil {
		// Fetch only asks for Free(), so this should not happen; return
		// the delivery rather than hold it outside the buffer.
		w.logger.
			With("err", err).
			With("task_id", env.ID).
			Error("buffer rejected fetched task, requeueing")

		if rerr := w.mgr.Requeue(ctx, env, d.Tag); rerr != nil {
			w.logger.
				With("err", rerr).
				With("task_id", env.ID).
				Error("failed to requeue task")
		}
	}
}

// drain returns every fetched-but-undispatched task to the broker
// unchanged. No outcome was observed, so retry counts stay put.
func (w *Worker) drain() {
	items := w.buf.Drain()
	if len(items) == 0 {
		return
	}

	ctx := context.Background()
	for _, it := range items {
		if err := w.mgr.Requeue(ctx, it.Env, it.Tag); err != nil {
			w.logger.
				With("err", err).
				With("task_id", it.Env.ID).
				Error("failed to requeue undispatched task")
		}
	}

	w.logger.
		With("count", len(items)).
		Info("undispatched tasks returned to the broker")
}

func (w *Worker) close() {
	if w.hs != nil {
		if err := w.hs.Close(); err != nil {
			w.logger.
				With("err", err).
				Error("failed to close ops server")
		}
	}

	if err := w.store.Close(); err != nil {
		w.logger.
			With("err", err).
			Error("failed to close result backend")
	}

	if err := w.conn.Close(); err != nil {
		w.logger.
			With("err", err).
			Error("failed to close broker connection")
	}
}

// sleepCtx waits for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
