package audit

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-connector/internal/bridges/connector"
)

// Sources recorded in the source column.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

const writeTimeout = 2 * time.Second

// Recorder adapts a Repository to connector.AuditRecorder. Write failures
// are logged and never reach the caller.
type Recorder struct {
	repo   Repository
	source string
	logger connector.Logger
}

// NewRecorder creates a recorder tagging entries with source.
// logger may be nil.
func NewRecorder(repo Repository, source string, logger connector.Logger) *Recorder {
	return &Recorder{repo: repo, source: source, logger: logger}
}

// WithSource returns a recorder sharing the repository under another source.
func (r *Recorder) WithSource(source string) *Recorder {
	return &Recorder{repo: r.repo, source: source, logger: r.logger}
}

// RecordEvent stores one entry. An empty entityID or the protocol name
// records a bridge-level event; anything else is a blind mac.
func (r *Recorder) RecordEvent(ctx context.Context, action, entityID string, details map[string]any) {
	if r == nil || r.repo == nil {
		return
	}

	entry := &AuditLog{
		Action:     action,
		EntityType: EntityBlind,
		EntityID:   entityID,
		Source:     r.source,
		Details:    details,
	}
	if entityID == "" || entityID == connector.ProtocolName {
		entry.EntityType = EntityBridge
		entry.EntityID = connector.ProtocolName
	}

	if ctx == nil {
		ctx = context.Background()
	}
	// The bridge context is cancelled at shutdown; the final entries
	// still need to land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.repo.Create(writeCtx, entry); err != nil && r.logger != nil {
		r.logger.Warn("audit write failed", "action", action, "entity_id", entityID, "error", err)
	}
}
