package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-connector/internal/bridges/connector"
)

// buildRouter mounts the diagnostics routes under /api/v1.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(withRequestID)
	r.Use(s.accessLog)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{mac}", s.handleGetDevice)
			r.Post("/{mac}/command", s.handleCommand)
		})

		r.Get("/audit", s.handleListAuditLogs)
	})

	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status          string                   `json:"status"`
	Version         string                   `json:"version"`
	ConnectionState string                   `json:"connection_state"`
	ErrorCode       connector.ErrorCode      `json:"error_code"`
	Error           string                   `json:"error"`
	Stats           connector.EngineStats    `json:"stats"`
	Bridge          *connector.BridgeMetrics `json:"bridge,omitempty"`
}

// handleHealth reports the engine's connection state. A faulted engine
// answers 503 so probes can alert on it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.engine.ConnectionState()
	code := s.engine.LastErrorCode()

	resp := healthResponse{
		Status:          "ok",
		Version:         s.version,
		ConnectionState: state.String(),
		ErrorCode:       code,
		Error:           code.String(),
		Stats:           s.engine.Stats(),
	}
	if s.bridge != nil {
		m := s.bridge.GetMetrics()
		resp.Bridge = &m
	}

	status := http.StatusOK
	switch {
	case state == connector.StateFaulted:
		resp.Status = "faulted"
		status = http.StatusServiceUnavailable
	case !s.engine.IsConnected():
		resp.Status = "degraded"
	}

	writeJSON(w, status, resp)
}
