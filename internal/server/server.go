// Package server exposes the worker's operational HTTP surface: health,
// queue depths, dead-letter browsing and task results. It is strictly
// read-only; tasks enter the system through the producer client, never
// through HTTP.
package server

import (
	"log/slog"
	"net/http"

	httpin_integ "github.com/ggicci/httpin/integration"
	"github.com/go-chi/chi/v5"

	"github.com/drayq/drayq/internal/backend"
	"github.com/drayq/drayq/internal/transport"
)

type Options struct {
	Addr   string
	Logger *slog.Logger
}

type runtime struct {
	logger *slog.Logger
	tr     transport.Transport
	store  backend.Store

	// queues is the configured consume set, in fetch order.
	queues []string

	// dlq resolves the dead-letter destination of a queue.
	dlq func(queue string) string
}

type Server struct {
	opts    *Options
	logger  *slog.Logger
	sm      chi.Router
	hs      *http.Server
	runtime *runtime
}

func NewServer(opts *Options, tr transport.Transport, store backend.Store, queues []string, dlq func(string) string) *Server {
	o := defaultOpts(opts)

	s := &Server{
		logger: o.Logger,
		opts:   o,
		sm:     chi.NewRouter(),
		runtime: &runtime{
			logger: o.Logger,
			tr:     tr,
			store:  store,
			queues: queues,
			dlq:    dlq,
		},
	}

	s.registerV1()

	hs := http.Server{
		Addr:    o.Addr,
		Handler: s.sm,
	}
	s.hs = &hs

	return s
}

func defaultOpts(opts *Options) *Options {
	o := &Options{
		Addr:   ":8322",
		Logger: slog.Default(),
	}
	if opts == nil {
		return o
	}
	if len(opts.Addr) > 0 {
		o.Addr = opts.Addr
	}
	if opts.Logger != nil {
		o.Logger = opts.Logger
	}

	return o
}

func init() {
	httpin_integ.UseGochiURLParam("path", chi.URLParam)
}

func (s *Server) registerV1() {
	health(s.sm, s.runtime)
	listQueues(s.sm, s.runtime)
	getQueue(s.sm, s.runtime)
	listDeadLetters(s.sm, s.runtime)
	getTask(s.sm, s.runtime)
}

func (s *Server) Run() error {
	go func() {
		s.logger.
			With("addr", s.opts.Addr).
			Info("ops server is running")

		err := s.hs.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.logger.
				With("err", err).
				Error("failed to run ops server")
			return
		}
	}()

	return nil
}

func (s *Server) Close() error {
	s.logger.Info("ops server is closing")
	return s.hs.Close()
}
