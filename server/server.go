// Package server exposes the task manager over HTTP: task submission,
// observation with long-polling, JSON Lines listing, cancellation, a
// health endpoint, and a WebSocket feed of task transitions.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsforge/taskd/config"
	"github.com/opsforge/taskd/errors"
	"github.com/opsforge/taskd/ratelimit"
	"github.com/opsforge/taskd/task"
)

// Server wires the HTTP adapter to the task manager and rate limiter.
type Server struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	manager *task.Manager
	limiter *ratelimit.Limiter

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. Call Start to begin serving.
func New(cfg *config.Config, manager *task.Manager, limiter *ratelimit.Limiter, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		log:     logger.Named("server"),
		manager: manager,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
	}
	return s
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/tasks", s.corsMiddleware(s.rateLimited(s.handleCreateTask)))
	mux.HandleFunc("GET /api/v1/tasks", s.corsMiddleware(s.rateLimited(s.handleListTasks)))
	mux.HandleFunc("GET /api/v1/tasks/{task_id}", s.corsMiddleware(s.rateLimited(s.handleGetTask)))
	mux.HandleFunc("DELETE /api/v1/tasks/{task_id}", s.corsMiddleware(s.rateLimited(s.handleCancelTask)))
	mux.HandleFunc("GET /health", s.corsMiddleware(s.handleHealth))
	// The upgrade handshake is always a GET; a method pattern also keeps
	// the route disjoint from the OPTIONS catch-all below
	mux.HandleFunc("GET /ws", s.corsMiddleware(s.handleWebSocket))
	mux.HandleFunc("OPTIONS /", s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	return mux
}

// Start begins serving and launches the task update broadcaster. Blocks
// until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.startTaskUpdateBroadcaster()

	s.log.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains in-flight requests, closes WebSocket clients, and stops
// the broadcaster.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for client := range s.clients {
		client.close()
		client.conn.Close()
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warnw("Timed out waiting for server goroutines")
	}

	s.log.Infow("HTTP server stopped")
	return err
}

// handleHealth reports liveness plus task table statistics.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"task_types": s.manager.Registry().Names(),
		"stats":      s.manager.GetStats(),
	})
}
