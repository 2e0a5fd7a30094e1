package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"viewrelay/pkg/config"
	"viewrelay/pkg/table"
	"viewrelay/pkg/view"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	maxUpdateBodyBytes     = 1 << 20
	apiPrefix              = "/api/v1"
)

// iRegistry is the per-table directory the transport feeds.
type iRegistry interface {
	Subscribe(table string, s table.Subscriber) error
	Unsubscribe(table string, id string)
	HandleUpdate(table string, u view.RowUpdate) error
	Clear(table string)
	Snapshot(table string) view.Payload
	Tables() []table.Stats
}

// Server represents the relay's HTTP and WebSocket front.
type Server struct {
	registry   iRegistry
	cfg        config.ServerConfig
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new server instance. metrics serves /metrics and may
// be nil.
func NewServer(registry iRegistry, cfg config.ServerConfig, metrics http.Handler) *Server {
	def := config.Default().Server
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.PongWait <= cfg.PingPeriod {
		cfg.PongWait = 2 * cfg.PingPeriod
	}

	port := strconv.Itoa(cfg.Port)
	return &Server{
		registry: registry,
		cfg:      cfg,
		metrics:  metrics,
		URL:      "http://localhost:" + port,
		addr:     ":" + port,
		stop:     make(chan struct{}),
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server. Open streams are closed, the registry is left to
// its owner.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router. The API is served both at the root and
// under /api/v1, the prefix the tailing tools use.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Group(s.apiRoutes)
	r.Route(apiPrefix, s.apiRoutes)

	return r
}

func (s *Server) apiRoutes(r chi.Router) {
	r.Post("/update/{table}", s.handleUpdate)
	r.Delete("/update/{table}", s.handleClear)
	r.Get("/stream/{table}", s.handleStream)
	r.Get("/view/{table}", s.handleView)
	r.Get("/tables", s.handleTables)
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// tableParam returns the unescaped table name, false if it is empty.
func tableParam(r *http.Request) (string, bool) {
	name := chi.URLParam(r, "table")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name, name != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if _, err := w.Write([]byte("# viewrelay metrics disabled\n")); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name, ok := tableParam(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing table"))
		return
	}

	var u view.RowUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBodyBytes))
	if err := dec.Decode(&u); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Malformed update: "+err.Error()))
		return
	}
	if err := u.Validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	if err := s.registry.HandleUpdate(name, u); err != nil {
		s.writeJSON(w, updateErrorStatus(err), NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse(name))
}

func updateErrorStatus(err error) int {
	switch {
	case errors.Is(err, view.ErrInvalidUpdate), errors.Is(err, view.ErrTimestampMismatch):
		return http.StatusBadRequest
	case errors.Is(err, view.ErrOutOfOrderDelete):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	name, ok := tableParam(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing table"))
		return
	}

	s.registry.Clear(name)
	s.writeJSON(w, http.StatusOK, NewSuccessResponse(name))
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name, ok := tableParam(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing table"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot(name))
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Tables())
}
