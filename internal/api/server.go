// Package api is the HTTP face of tracksync: webhook intake, export
// requests, task polling and the realtime websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/exporter"
	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
)

const maxBody = 10 << 20

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8080"
	Addr string
	// ShutdownTimeout bounds graceful shutdown (default 10s)
	ShutdownTimeout time.Duration
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	db       *db.DB
	tasks    *task.Manager
	receiver *ingest.Receiver
	exporter *exporter.Exporter
	realtime http.Handler
	logger   *zap.Logger

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// Deps are the components the API calls into.
type Deps struct {
	DB       *db.DB
	Tasks    *task.Manager
	Receiver *ingest.Receiver
	Exporter *exporter.Exporter
	// Realtime serves /ws; nil disables it.
	Realtime http.Handler
}

// New returns a server; call Start to listen.
func New(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		db:       deps.DB,
		tasks:    deps.Tasks,
		receiver: deps.Receiver,
		exporter: deps.Exporter,
		realtime: deps.Realtime,
		logger:   logger.Named("api"),
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{server}", s.handleHook)
	mux.HandleFunc("POST /exports", s.handleExport)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{token}", s.handleGetTask)
	mux.HandleFunc("DELETE /tasks/{token}", s.handleAbortTask)
	mux.HandleFunc("POST /tasks/{token}/seen", s.handleSeen)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.realtime != nil {
		mux.Handle("GET /ws", s.realtime)
	}
	return otelhttp.NewHandler(mux, "tracksync.api")
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := syncerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), Kind: syncerr.Kind(err)})
}
