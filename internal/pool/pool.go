// Package pool runs fetched tasks. A fixed number of slots pull eligible
// items from the prefetch buffer, resolve and invoke their handlers, and
// hand the observed outcome to the acknowledgment manager. Slots are
// independent: a panic or timeout in one never affects the others.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/drayq/drayq/internal/ack"
	"github.com/drayq/drayq/internal/backend"
	"github.com/drayq/drayq/internal/envelope"
	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/internal/prefetch"
	"github.com/drayq/drayq/internal/utils"
	"github.com/drayq/drayq/pkg/task"
)

type Options struct {
	Logger *slog.Logger

	// Concurrency is the number of execution slots.
	Concurrency int

	// DefaultTimeout bounds each handler invocation unless the envelope
	// carries its own. Zero means no timeout.
	DefaultTimeout time.Duration
}

type Pool struct {
	opts   *Options
	logger *slog.Logger

	reg   *Registry
	buf   *prefetch.Buffer
	mgr   *ack.Manager
	store backend.Store

	wg sync.WaitGroup

	// execCtx gates in-flight handlers, independently of the run context
	// that gates acquisition. Cancelling it aborts executions that have
	// outlived the shutdown grace period.
	execCtx context.Context
	abort   context.CancelFunc
}

func New(opts *Options, reg *Registry, buf *prefetch.Buffer, mgr *ack.Manager, store backend.Store) *Pool {
	o := buildOptions(opts)
	execCtx, abort := context.WithCancel(context.Background())

	return &Pool{
		opts:    o,
		logger:  o.Logger,
		reg:     reg,
		buf:     buf,
		mgr:     mgr,
		store:   store,
		execCtx: execCtx,
		abort:   abort,
	}
}

func buildOptions(opts *Options) *Options {
	def := &Options{
		Logger:      slog.Default(),
		Concurrency: runtime.GOMAXPROCS(0),
	}
	if opts == nil {
		return def
	}
	if opts.Logger != nil {
		def.Logger = opts.Logger
	}
	if opts.Concurrency > 0 {
		def.Concurrency = opts.Concurrency
	}
	if opts.DefaultTimeout > 0 {
		def.DefaultTimeout = opts.DefaultTimeout
	}
	return def
}

// Concurrency returns the number of slots the pool runs.
func (p *Pool) Concurrency() int {
	return p.opts.Concurrency
}

// Run starts the slots. The context gates acquisition only: when it ends
// the slots stop pulling new items but in-flight handlers keep running
// until they finish or Abort is called.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)

		go func(slot int) {
			defer p.wg.Done()
			p.run(ctx, slot)
		}(i)
	}

	p.logger.
		With("concurrency", p.opts.Concurrency).
		Info("execution pool started")
}

// Abort cancels the contexts of in-flight handlers. Called once the
// shutdown grace period has expired.
func (p *Pool) Abort() {
	p.abort()
}

// Wait blocks until every slot has exited or the timeout passes, and
// reports whether the pool drained in time. A non-positive timeout waits
// indefinitely.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan utils.Empty, 1)
	go func() {
		p.wg.Wait()
		done <- utils.Empty{}
	}()

	if timeout <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Pool) run(ctx context.Context, slot int) {
	for {
		it, err := p.buf.Next(ctx)
		if err != nil {
			p.logger.
				With("slot", slot).
				Debug("slot stopped")
			return
		}

		p.process(it)
	}
}

func (p *Pool) process(it *prefetch.Item) {
	env := it.Env

	if env.Expired(time.Now()) {
		reason := fmt.Sprintf("expired at %s", env.ExpiresAt.Format(time.RFC3339))
		p.settle(env, it.Tag, ack.Fatal(reason))
		return
	}

	h, err := p.reg.Lookup(env.Type)
	if err != nil {
		p.settle(env, it.Tag, ack.Fatal(err.Error()))
		return
	}

	p.record(&backend.Entry{
		TaskID:     env.ID,
		Type:       env.Type,
		Queue:      env.Queue,
		State:      backend.StateRunning,
		RetryCount: env.RetryCount,
		EnqueuedAt: env.EnqueuedAt,
	})

	t := (&task.Task{
		ID:         env.ID,
		Type:       env.Type,
		Args:       env.Args,
		Kwargs:     env.Kwargs,
		Queue:      env.Queue,
		Priority:   env.Priority,
		EnqueuedAt: env.EnqueuedAt,
		RetryCount: env.RetryCount,
		MaxRetries: env.MaxRetries,
	}).WithProgress(func(current, total int) {
		p.record(&backend.Entry{
			TaskID:     env.ID,
			Type:       env.Type,
			Queue:      env.Queue,
			State:      backend.StateProgress,
			Progress:   &backend.Progress{Current: current, Total: total},
			RetryCount: env.RetryCount,
			EnqueuedAt: env.EnqueuedAt,
		})
	})

	timeout := p.opts.DefaultTimeout
	if env.Timeout > 0 {
		timeout = env.Timeout
	}

	runCtx := p.execCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(p.execCtx, timeout)
		defer cancel()
	}

	res, err := p.invoke(runCtx, h, t)

	switch {
	case err == nil:
		p.settle(env, it.Tag, ack.Success(res))
	case p.aborted() && errors.Is(err, context.Canceled):
		// The handler was cut off by shutdown, not by its own failure:
		// the outcome was never observed, so the delivery goes back
		// unchanged.
		p.requeue(env, it.Tag)
	case errors.Is(err, context.DeadlineExceeded):
		p.settle(env, it.Tag, ack.Retry(fmt.Sprintf("timeout after %s", timeout), 0))
	case task.IsFatal(err):
		p.settle(env, it.Tag, ack.Fatal(err.Error()))
	default:
		delay, _ := task.RetryDelay(err)
		p.settle(env, it.Tag, ack.Retry(err.Error(), delay))
	}
}

// invoke runs the handler, converting a panic into an error so the slot
// survives and the task is retried like any other failure.
func (p *Pool) invoke(ctx context.Context, h task.Handler, t *task.Task) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.
				With("task_id", t.ID).
				With("type", t.Type).
				With("panic", r).
				With("stack", string(debug.Stack())).
				Error("handler panicked")

			res = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return h(ctx, t)
}

func (p *Pool) aborted() bool {
	return p.execCtx.Err() != nil
}

// settle runs on a background context: settlement must complete even
// when the run contexts are already gone.
func (p *Pool) settle(env *envelope.Envelope, tag string, out ack.Outcome) {
	err := p.mgr.Settle(context.Background(), env, tag, out)
	if err == nil {
		return
	}

	// A handler that outlives shutdown finds its delivery already
	// requeued or the broker gone. That is expected, not an incident.
	if p.aborted() && (errors.Is(err, errs.ErrInvalidDeliveryTag) || errors.Is(err, errs.ErrShutdown)) {
		p.logger.
			With("task_id", env.ID).
			Debug("late settle after shutdown, delivery already returned")
		return
	}

	p.logger.
		With("err", err).
		With("task_id", env.ID).
		With("outcome", out.Code.String()).
		Error("failed to settle task")
}

func (p *Pool) requeue(env *envelope.Envelope, tag string) {
	if err := p.mgr.Requeue(context.Background(), env, tag); err != nil {
		if errors.Is(err, errs.ErrInvalidDeliveryTag) || errors.Is(err, errs.ErrShutdown) {
			// The lease reclaim will resurface the delivery.
			p.logger.
				With("task_id", env.ID).
				Debug("delivery already returned")
			return
		}

		p.logger.
			With("err", err).
			With("task_id", env.ID).
			Error("failed to requeue task")
		return
	}

	p.logger.
		With("task_id", env.ID).
		With("type", env.Type).
		Info("in-flight task requeued")
}

func (p *Pool) record(e *backend.Entry) {
	if err := p.store.Put(context.Background(), e); err != nil {
		p.logger.
			With("err", err).
			With("task_id", e.TaskID).
			Error("failed to store state entry")
	}
}
