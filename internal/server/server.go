// Package server assembles the proxy and runs it on a resiliently bound port.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"devtools-proxy-go/internal/client"
	"devtools-proxy-go/internal/config"
	"devtools-proxy-go/internal/handler"
	"devtools-proxy-go/internal/listener"
	"devtools-proxy-go/internal/metrics"
	"devtools-proxy-go/internal/middleware"
	"devtools-proxy-go/internal/rewrite"
	"devtools-proxy-go/internal/service"
)

// ErrAlreadyRunning is returned by Listen when the server is already serving.
var ErrAlreadyRunning = errors.New("server: already listening")

// Server owns the proxy's listening socket. The zero value is not usable;
// construct it with New or Start.
type Server struct {
	cfg      *config.Config
	handler  http.Handler
	upstream *client.UpstreamClient
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	srv  *http.Server
	port int
	done chan struct{}
}

// New creates a Server that serves e once Listen is called. The metrics
// parameter may be nil.
func New(cfg *config.Config, e *echo.Echo, uc *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		handler:  e,
		upstream: uc,
		logger:   logger.With("component", "server"),
		metrics:  m,
	}
}

// NewEcho creates the Echo instance with the proxy's middleware chain.
func NewEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.StripHopByHop())

	if cfg.Metrics.Enabled && m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// Build wires every proxy component from cfg without binding a socket.
func Build(cfg *config.Config, version handler.Version, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	uc := client.NewUpstreamClient(cfg, logger, m)
	svc, err := service.NewProxyService(uc, cfg, logger)
	if err != nil {
		return nil, err
	}

	relay := handler.NewWebSocketRelay(svc, cfg, logger, m)
	proxy := handler.NewProxyHandler(svc, rewrite.NewInjector(cfg.Inject.ScriptURL()), relay, cfg, logger, m)
	health := handler.NewHealthHandler(cfg, version)

	e := NewEcho(cfg, logger, m)
	handler.RegisterRoutes(e, cfg, proxy, health, m)

	return New(cfg, e, uc, logger, m), nil
}

// Listen binds the first free port in the configured range and starts
// serving in the background. It returns the bound port.
func (s *Server) Listen(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return s.port, ErrAlreadyRunning
	}

	b := &listener.Binder{
		Host:        s.cfg.Server.Host,
		StartPort:   s.cfg.Server.Port,
		MaxAttempts: s.cfg.Server.MaxAttempts,
		Logger:      s.logger,
		Metrics:     s.metrics,
	}
	ln, port, err := b.Bind(ctx)
	if err != nil {
		return 0, err
	}

	// A shut down http.Server cannot serve again, so every Listen gets a new one.
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays 0: streamed responses may legitimately run for hours.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()

	s.srv, s.port, s.done = srv, port, done
	s.logger.Info("proxy listening",
		"addr", ln.Addr().String(),
		"upstream", s.cfg.Upstream.BaseURL(),
		"script", s.cfg.Inject.ScriptURL(),
	)
	return port, nil
}

// Port returns the bound port, or 0 when not listening.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Shutdown stops accepting connections, waits for in-flight requests until
// ctx is done and releases pooled upstream connections. The server may
// Listen again afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.port, s.done = nil, 0, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("shutting down server")
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	<-done
	s.upstream.CloseIdleConnections()
	return err
}

// Options configures Start. Zero values select the defaults.
type Options struct {
	UpstreamPort        int    // required
	InstrumentationPort int    // 8097
	StartPort           int    // 8000
	MaxAttempts         int    // 10
	Host                string // 127.0.0.1
}

// Start builds a proxy for the app server on opts.UpstreamPort and binds it.
// A nil logger discards all output.
func Start(ctx context.Context, opts Options, logger *slog.Logger) (*Server, error) {
	cfg := config.Default()
	cfg.Upstream.Port = opts.UpstreamPort
	if opts.InstrumentationPort != 0 {
		cfg.Inject.Port = opts.InstrumentationPort
	}
	if opts.StartPort != 0 {
		cfg.Server.Port = opts.StartPort
	}
	if opts.MaxAttempts != 0 {
		cfg.Server.MaxAttempts = opts.MaxAttempts
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s, err := Build(cfg, "", logger, nil)
	if err != nil {
		return nil, err
	}
	if _, err := s.Listen(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
