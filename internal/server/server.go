// Package server exposes the setup flow over HTTP: authorization URL, code
// exchange, token verification, deployment and schedule preview.
//
// Handlers are stateless. Tokens passed in request bodies are used for the
// request only and are never persisted or logged.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokfresh/internal/eventbus"
	"tokfresh/internal/metrics"
	"tokfresh/internal/oauth"
	"tokfresh/internal/provision"
	"tokfresh/internal/workerscript"
	logx "tokfresh/pkg/logx"
)

type Options struct {
	Addr           string
	AllowedOrigins []string
	RatePerSec     int
	Burst          int
	// RequestTimeout bounds each handler; deploys make several upstream calls.
	RequestTimeout time.Duration

	OAuth       *oauth.Client
	Provisioner *provision.Provisioner
	// Generator renders the Worker when a deploy request carries no source.
	Generator *workerscript.Generator

	// DefaultStart and DefaultTimezone fill /api/schedule queries.
	DefaultStart    string
	DefaultTimezone string

	// Gatherer enables GET /metrics when set.
	Gatherer prometheus.Gatherer
	// Profiling mounts the pprof handlers under /debug.
	Profiling bool
	Sink     metrics.Sink
	// Health adds fields to GET /health.
	Health func() map[string]any

	Logger logx.Logger
	Bus    eventbus.Bus
	Now    func() time.Time
}

type Server struct {
	opts   Options
	log    logx.Logger
	router chi.Router

	mu   sync.Mutex
	addr string
}

func New(opts Options) *Server {
	if opts.Sink == nil {
		opts.Sink = metrics.NewNoopSink()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{opts: opts, log: log.With(logx.String("comp", "server"))}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(s.log, s.opts.Sink))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.opts.AllowedOrigins))

	r.Get("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.opts.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}

	lim := newClientLimiter(s.opts.RatePerSec, s.opts.Burst)
	r.Route("/api", func(r chi.Router) {
		r.Use(lim.middleware)
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/schedule", s.handleSchedule)
		r.Post("/auth/url", s.handleAuthURL)
		r.Post("/auth/exchange", s.handleExchange)
		r.Post("/cloudflare/verify", s.handleVerify)
		r.Post("/cloudflare/deploy", s.handleDeploy)
	})
	return r
}

// Handler returns the router (tests and embedding).
func (s *Server) Handler() http.Handler { return s.router }

// Addr reports the bound listen address once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens on Options.Addr and serves until ctx is canceled, then shuts
// down gracefully within shutdownTimeout. ready, when non-nil, is called once
// the listener is bound.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration, ready func(addr string)) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("http server listening", logx.String("addr", s.addr))
	if ready != nil {
		ready(s.addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.Err(err))
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
