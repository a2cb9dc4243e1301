// Package audit records security-relevant events with per-event-type
// sampling. Audit writes are observability, not control flow: a failed or
// sampled-out insert never changes a request's outcome.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/embedkb/embedkb/internal/store"
)

// Event types recorded across the service.
const (
	EventSessionIssued     = "embed_session_issued"
	EventSessionRejected   = "embed_session_rejected"
	EventChatCalled        = "chat_called"
	EventChatRejected      = "chat_rejected"
	EventRateLimited       = "rate_limited"
	EventQuotaExceeded     = "quota_exceeded"
	EventOAuthConnected    = "oauth_connected"
	EventOAuthFailed       = "oauth_failed"
	EventResyncTriggered   = "resync_triggered"
	EventIngestCompleted   = "ingest_completed"
	EventIngestFailed      = "ingest_failed"
	EventInjectionBlocked  = "injection_blocked"
	EventGuardrailEnforced = "guardrail_enforced"
)

// sampleRates keeps high-volume event types from flooding the table. Events
// not listed are always recorded.
var sampleRates = map[string]float64{
	EventChatCalled:  0.1,
	EventRateLimited: 0.25,
}

// inserter is the slice of store the recorder needs.
type inserter interface {
	InsertAuditLog(ctx context.Context, e store.AuditEntry) error
}

// Recorder writes sampled audit events.
type Recorder struct {
	store  inserter
	logger *slog.Logger
	// sample is swappable for deterministic tests.
	sample func() float64
}

// New creates a Recorder.
func New(st inserter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger, sample: rand.Float64}
}

// Event is the caller-facing shape of one audit record.
type Event struct {
	ProjectID *uuid.UUID
	Type      string
	Origin    string
	IP        string
	UserAgent string
	RequestID string
	Metadata  map[string]any
}

// Record samples and persists an event. The raw IP is hashed before it
// touches the database. Errors are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if rate, ok := sampleRates[e.Type]; ok && r.sample() >= rate {
		return
	}

	err := r.store.InsertAuditLog(ctx, store.AuditEntry{
		ProjectID: e.ProjectID,
		EventType: e.Type,
		Origin:    e.Origin,
		IPHash:    HashIP(e.IP),
		UserAgent: e.UserAgent,
		RequestID: e.RequestID,
		Metadata:  e.Metadata,
	})
	if err != nil {
		r.logger.Warn("audit insert failed", "event_type", e.Type, "error", err)
	}
}

// HashIP returns the hex SHA-256 of a client IP, or "" for an empty IP.
// Raw addresses are never stored.
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
