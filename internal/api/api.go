// Package api provides the HTTP server for OpenChannel.
//
// It exposes the helpdesk-facing /sendMessage endpoint, a health check and the
// webhooks of the configured chat channels, and shuts down gracefully when its
// context is cancelled.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/relay"
)

// DefaultServerAddress is the default address for the API server.
const DefaultServerAddress = ":3000"

// DefaultShutdownTimeout bounds the graceful shutdown of the HTTP server.
const DefaultShutdownTimeout = 30 * time.Second

// DefaultReadHeaderTimeout bounds how long a client may take to send request headers.
const DefaultReadHeaderTimeout = 10 * time.Second

// Replier delivers helpdesk replies to chat channels.
type Replier interface {
	Send(ctx context.Context, req models.SendMessageRequest) (relay.OutboundState, error)
}

// Counter reports how many conversations are known.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// ShutdownHook runs after the HTTP server has stopped accepting requests.
type ShutdownHook func(ctx context.Context) error

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	Webhooks        map[string]http.Handler
	OnShutdown      []ShutdownHook
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithShutdownTimeout bounds the graceful shutdown, shutdown hooks included.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// WithWebhook mounts a channel webhook handler at path.
func WithWebhook(path string, h http.Handler) Option {
	return func(o *Opts) {
		if o.Webhooks == nil {
			o.Webhooks = make(map[string]http.Handler)
		}
		o.Webhooks[path] = h
	}
}

// WithShutdownHook registers fn to run, in registration order, once the HTTP server has drained.
func WithShutdownHook(fn ShutdownHook) Option {
	return func(o *Opts) {
		o.OnShutdown = append(o.OnShutdown, fn)
	}
}

// Server serves the OpenChannel HTTP API.
type Server struct {
	replier         Replier
	counter         Counter
	addr            string
	shutdownTimeout time.Duration
	hooks           []ShutdownHook
	mux             *http.ServeMux
	now             func() time.Time
}

// NewServer creates a server that relays /sendMessage calls through replier.
func NewServer(replier Replier, counter Counter, opts ...Option) (*Server, error) {
	if replier == nil {
		return nil, errors.New("api: replier is required")
	}
	cfg := Opts{Addr: DefaultServerAddress, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultServerAddress
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		replier:         replier,
		counter:         counter,
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
		hooks:           cfg.OnShutdown,
		mux:             http.NewServeMux(),
		now:             time.Now,
	}
	s.mux.HandleFunc("/sendMessage", s.sendMessageHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
	for path, h := range cfg.Webhooks {
		if h == nil {
			continue
		}
		slog.Debug("NewServer: mounting webhook", "path", path)
		s.mux.Handle(path, h)
	}
	return s, nil
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains in-flight
// requests and runs the shutdown hooks. Hook errors are joined into the result.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: OpenChannel API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Server.Serve: shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Serve: HTTP shutdown incomplete", "error", err)
		serveErr = errors.Join(serveErr, fmt.Errorf("shutdown http: %w", err))
	}
	for _, hook := range s.hooks {
		if err := hook(shutdownCtx); err != nil {
			slog.Error("Server.Serve: shutdown hook failed", "error", err)
			serveErr = errors.Join(serveErr, err)
		}
	}
	slog.Info("Server.Serve: stopped")
	return serveErr
}
