package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-connector/internal/bridges/connector"
)

// commandRequest is the body of POST /devices/{mac}/command.
type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// commandResponse is returned with 202 Accepted.
type commandResponse struct {
	Status    string `json:"status"`
	Mac       string `json:"mac"`
	Command   string `json:"command"`
	RequestID string `json:"request_id"`
}

// handleListDevices returns hubs, blinds and not-yet-classified entries.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// handleGetDevice returns the state of one blind.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac := macParam(r)
	for _, st := range s.engine.Snapshot().Blinds {
		if st.Mac == mac {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "blind not found: "+mac)
}

// handleCommand validates and sends a command to one blind. Validation
// matches the MQTT command topic; nothing reaches the hub on a 400.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	mac := macParam(r)

	var req commandRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	cmd, err := connector.ParseBlindCommand(req.Command, req.Parameters)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, connector.ErrorCodeFor(err), err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := s.engine.Execute(ctx, mac, cmd); err != nil {
		s.audit(r.Context(), "command.failed", mac, map[string]any{
			"command":    req.Command,
			"error":      err.Error(),
			"request_id": requestID(r),
		})
		writeError(w, r, commandErrorStatus(err), connector.ErrorCodeFor(err), err.Error())
		return
	}

	s.audit(r.Context(), "command", mac, map[string]any{
		"command":    req.Command,
		"parameters": req.Parameters,
		"request_id": requestID(r),
	})
	writeJSON(w, http.StatusAccepted, commandResponse{
		Status:    string(connector.AckAccepted),
		Mac:       mac,
		Command:   req.Command,
		RequestID: requestID(r),
	})
}

// commandErrorStatus maps an Execute error onto an HTTP status.
func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, connector.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, connector.ErrNotSupported), errors.Is(err, connector.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, connector.ErrMissingCredentials):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func macParam(r *http.Request) string {
	return strings.ToLower(chi.URLParam(r, "mac"))
}

func (s *Server) audit(ctx context.Context, action, mac string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	s.auditor.RecordEvent(ctx, action, mac, details)
}
