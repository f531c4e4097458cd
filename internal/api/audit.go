package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-connector/internal/audit"
)

// handleListAuditLogs returns paginated audit entries, newest first.
//
// Query parameters:
//   - action: command, command.failed, connector.fault, connector.rediscover
//   - entity_id: blind mac
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		EntityID: q.Get("entity_id"),
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, p.name+" must be a non-negative integer")
			return
		}
		*p.dst = n
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit logs", "error", err, "request_id", requestID(r))
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
