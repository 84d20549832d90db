package drayq

import (
	"log/slog"
	"runtime"
	"time"
)

// DefaultQueue is where tasks go when neither the job nor the worker
// names a queue.
const DefaultQueue = "default"

type Options struct {
	Logger *slog.Logger

	// BrokerURL selects and configures the transport. Supported schemes
	// are bolt:// (embedded, single process) and redis://.
	BrokerURL string

	// Queues are consumed round-robin.
	Queues []string

	// Concurrency is the number of execution slots.
	Concurrency int

	// Prefetch is a multiplier: the buffer holds up to
	// Prefetch * Concurrency undispatched tasks.
	Prefetch int

	// TaskTimeout bounds each handler invocation unless the task carries
	// its own. Zero means no timeout.
	TaskTimeout time.Duration

	// RetryBase and RetryCap pace re-deliveries of failed tasks; the
	// delay doubles per retry from RetryBase up to RetryCap. RetryJitter
	// spreads the delays to avoid thundering herds.
	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryJitter bool

	// MaxRetries is the default retry budget for enqueued tasks.
	MaxRetries int

	// DeadLetterQueue overrides the per-queue "<queue>.dlq" default.
	DeadLetterQueue string

	// ResultBackendURL selects where task states and results are stored.
	// Empty disables the result backend.
	ResultBackendURL string

	// StartupGrace bounds how long the initial dial retries an
	// unreachable broker before giving up.
	StartupGrace time.Duration

	// ShutdownGrace is how long in-flight tasks may keep running after a
	// stop is requested before their contexts are cancelled.
	ShutdownGrace time.Duration

	// PollInterval is the idle wait between fetch attempts.
	PollInterval time.Duration

	// OpsAddr is the listen address of the read-only ops HTTP server.
	// Empty disables it.
	OpsAddr string
}

func DefaultOptions(opts *Options) *Options {
	o := &Options{
		BrokerURL:     "bolt://drayq.db",
		Queues:        []string{DefaultQueue},
		Concurrency:   runtime.GOMAXPROCS(0),
		Prefetch:      2,
		RetryBase:     3 * time.Second,
		RetryCap:      10 * time.Minute,
		MaxRetries:    3,
		StartupGrace:  30 * time.Second,
		ShutdownGrace: 30 * time.Second,
		PollInterval:  100 * time.Millisecond,
	}
	if opts == nil {
		return o
	}

	if opts.Logger != nil {
		o.Logger = opts.Logger
	}
	if len(opts.BrokerURL) > 0 {
		o.BrokerURL = opts.BrokerURL
	}
	if len(opts.Queues) > 0 {
		o.Queues = opts.Queues
	}
	if opts.Concurrency > 0 {
		o.Concurrency = opts.Concurrency
	}
	if opts.Prefetch > 0 {
		o.Prefetch = opts.Prefetch
	}
	if opts.TaskTimeout > 0 {
		o.TaskTimeout = opts.TaskTimeout
	}
	if opts.RetryBase > 0 {
		o.RetryBase = opts.RetryBase
	}
	if opts.RetryCap > 0 {
		o.RetryCap = opts.RetryCap
	}
	o.RetryJitter = opts.RetryJitter
	if opts.MaxRetries > 0 {
		o.MaxRetries = opts.MaxRetries
	}
	if len(opts.DeadLetterQueue) > 0 {
		o.DeadLetterQueue = opts.DeadLetterQueue
	}
	if len(opts.ResultBackendURL) > 0 {
		o.ResultBackendURL = opts.ResultBackendURL
	}
	if opts.StartupGrace > 0 {
		o.StartupGrace = opts.StartupGrace
	}
	if opts.ShutdownGrace > 0 {
		o.ShutdownGrace = opts.ShutdownGrace
	}
	if opts.PollInterval > 0 {
		o.PollInterval = opts.PollInterval
	}
	if len(opts.OpsAddr) > 0 {
		o.OpsAddr = opts.OpsAddr
	}

	return o
}
