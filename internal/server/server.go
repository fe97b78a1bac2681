// Package server exposes collection runs, summary conversion and health
// checks over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/criteo/newman-server/internal/events"
	"github.com/criteo/newman-server/internal/orchestrator"
	"github.com/criteo/newman-server/internal/runner"
	"pkt.systems/pslog"
)

// DefaultMaxUploadBytes caps the multipart body of a single request.
const DefaultMaxUploadBytes = 64 << 20

// Server wires the HTTP surface to the orchestrator and the engine.
type Server struct {
	folder    string
	engine    runner.Engine
	orch      *orchestrator.Orchestrator
	builder   orchestrator.Builder
	hub       *events.Hub
	api       *apiDoc
	logger    pslog.Logger
	started   time.Time
	maxUpload int64
	handler   http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger; request logs derive from it.
func WithLogger(l pslog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEvents publishes run events to hub and serves them on /api/events.
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithDefaultTimeout sets the run timeout used when a request has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Server) { s.builder.DefaultTimeout = d }
}

// WithMaxUploadBytes caps request bodies.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// New builds a server running collections on engine and materializing
// reports in folder. The folder must already exist.
func New(ctx context.Context, engine runner.Engine, folder string, opts ...Option) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if engine == nil {
		return nil, errors.New("server: nil engine")
	}
	s := &Server{
		folder:    folder,
		engine:    engine,
		builder:   orchestrator.Builder{Folder: folder, DefaultTimeout: orchestrator.DefaultTimeout},
		started:   time.Now(),
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = pslog.NewWithOptions(io.Discard, pslog.Options{})
	}
	api, err := loadAPIDoc(ctx)
	if err != nil {
		return nil, err
	}
	s.api = api

	orchOpts := []orchestrator.Option{orchestrator.WithLogger(s.logger)}
	if s.hub != nil {
		orchOpts = append(orchOpts, orchestrator.WithPublisher(s.hub))
	}
	s.orch = orchestrator.New(engine, orchOpts...)
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler. When events are enabled the caller
// must start the hub (Serve does); until then /api/events answers 503.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run/{format}", s.handleRun)
	mux.HandleFunc("POST /convert/html", s.handleConvert)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/docs", s.handleDocs)
	mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPI)
	if s.hub != nil {
		mux.HandleFunc("GET /api/events", s.hub.ServeWS)
	}
	static, err := fs.Sub(assets, "assets")
	if err == nil {
		mux.Handle("GET /", http.FileServerFS(static))
	}
	return withRequestLog(s.logger, withRecover(mux))
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and waits up to shutdownTimeout for in-flight runs.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.hub != nil {
		s.hub.Start(ctx)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("server.started", "addr", ln.Addr().String(), "reports", s.folder)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server.stopping", "timeout", shutdownTimeout)
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server.stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
