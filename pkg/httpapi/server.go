// Package httpapi is an optional, read-only HTTP/websocket status shell
// for an engine.Indexer. It is never imported by pkg/engine itself —
// observability is wired from the outside by subscribing to the
// indexer's signals. Grounded on the teacher's api/server.go (chi
// router/middleware shape) and api/websocket (hub/client broadcast
// pattern).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/chainindexer/pkg/engine"
)

// Config configures a Server.
type Config struct {
	Addr   string
	Logger *zap.Logger
}

// Server exposes /status, /metrics, and a /events websocket stream driven
// entirely by an engine.Indexer's signal callbacks. It never calls into
// the indexer's mutating methods.
type Server struct {
	logger *zap.Logger
	router *chi.Mux
	http   *http.Server
	hub    *hub

	mu       chan struct{} // 1-slot mutex for status
	status   Status
}

// Status is the snapshot served at GET /status.
type Status struct {
	Running            bool      `json:"running"`
	LastProgressAt      time.Time `json:"lastProgressAt,omitempty"`
	CurrentBlock       uint64    `json:"currentBlock"`
	TargetBlock        uint64    `json:"targetBlock"`
	PendingEventsCount int       `json:"pendingEventsCount"`
	LastError          string    `json:"lastError,omitempty"`
}

// New builds a Server and wires it to idx's signals. Call ListenAndServe
// to start serving.
func New(cfg Config, idx *engine.Indexer) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger: logger,
		router: chi.NewRouter(),
		hub:    newHub(logger),
		mu:     make(chan struct{}, 1),
	}
	s.mu <- struct{}{}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/status", s.handleStatus)
	s.router.Get("/events", s.hub.ServeHTTP)
	s.router.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	idx.OnStarted(func() { s.setRunning(true) })
	idx.OnStopped(func() { s.setRunning(false) })
	idx.OnError(func(err error) { s.setLastError(err) })
	idx.OnProgress(func(p engine.ProgressInfo) { s.setProgress(p) })
	idx.OnEvent(func(hc engine.HandlerContext) error {
		s.hub.broadcastEvent(hc.Event)
		return nil
	})

	return s
}

// ListenAndServe blocks serving HTTP until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.hub.run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) withStatus(fn func(*Status)) {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	fn(&s.status)
}

func (s *Server) setRunning(running bool) {
	s.withStatus(func(st *Status) { st.Running = running })
}

func (s *Server) setLastError(err error) {
	s.withStatus(func(st *Status) { st.LastError = err.Error() })
}

func (s *Server) setProgress(p engine.ProgressInfo) {
	s.withStatus(func(st *Status) {
		st.LastProgressAt = progressTimestamp()
		st.CurrentBlock = p.CurrentBlock
		st.TargetBlock = p.TargetBlock
		st.PendingEventsCount = p.PendingEventsCount
	})
}

// progressTimestamp is split out so tests can override it without relying
// on wall-clock time.
var progressTimestamp = time.Now

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var snapshot Status
	s.withStatus(func(st *Status) { snapshot = *st })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.logger.Error("encode status", zap.Error(err))
	}
}
