// Package server exposes one document engine over a small REST API:
// document get/merge/clear, a status endpoint, health, and Prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/slotstack/slotstack/internal/document"
	"github.com/slotstack/slotstack/internal/metrics"
)

// Server serves the engine's REST API.
type Server struct {
	engine  *document.Engine
	metrics *metrics.Metrics
	logger  *logrus.Logger
	http    *http.Server
}

// New builds the router and HTTP server. metrics may be nil to disable the
// /metrics endpoint.
func New(engine *document.Engine, m *metrics.Metrics, logger *logrus.Logger, listen string) *Server {
	s := &Server{
		engine:  engine,
		metrics: m,
		logger:  logger,
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/document", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/document", s.handleMergeDocument).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/document", s.handleClearDocument).Methods(http.MethodDelete)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	var handler http.Handler = router
	handler = handlers.CombinedLoggingHandler(logger.WriterLevel(logrus.DebugLevel), handler)
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(logger))(handler)

	s.http = &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.http.Addr).Info("API server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler returns the configured HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	var keys []string
	if raw := r.URL.Query().Get("keys"); raw != "" {
		keys = strings.Split(raw, ",")
	}

	doc, err := s.engine.Get(r.Context(), keys...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleMergeDocument(w http.ResponseWriter, r *http.Request) {
	var items map[string]any
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	if err := s.engine.Set(r.Context(), items); err != nil {
		s.writeError(w, err)
		return
	}

	used, err := s.engine.CurrentUsed(r.Context(), false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stored":   len(items),
		"used":     used,
		"capacity": s.engine.MaxCapacity(),
	})
}

func (s *Server) handleClearDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Clear(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	used, err := s.engine.CurrentUsed(r.Context(), true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	upToDate, err := s.engine.IsUpToDate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := map[string]any{
		"instance":       s.engine.InstanceID(),
		"state":          s.engine.State().String(),
		"capacity":       s.engine.MaxCapacity(),
		"used":           used,
		"up_to_date":     upToDate,
		"compress_state": string(s.engine.LastCompressState()),
	}
	if hash, ok := s.engine.Hash(); ok {
		status["hash"] = hash
	}
	if ts, ok := s.engine.LastUpdated(); ok {
		status["last_updated"] = ts.UTC().Format(time.RFC3339Nano)
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps the engine's error taxonomy onto HTTP statuses: capacity
// overflows are the client's document being too big (413), codec failures
// mean the stored bytes could not be served (502), the rest is a plain 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var capErr *document.CapacityError
	if errors.As(err, &capErr) {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error":   capErr.Error(),
			"overage": capErr.Overage,
		})
		return
	}

	var compErr *document.CompressionError
	if errors.As(err, &compErr) {
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": compErr.Error()})
		return
	}

	s.logger.WithError(err).Error("Request failed")
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
