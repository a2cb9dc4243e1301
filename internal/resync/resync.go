// Package resync lets a project owner re-trigger ingestion for all sources
// of a project or one named source. It only enqueues: the ingestion pipeline
// does the actual work.
package resync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/embedkb/embedkb/internal/apperr"
	"github.com/embedkb/embedkb/internal/audit"
	"github.com/embedkb/embedkb/internal/authn"
	"github.com/embedkb/embedkb/internal/store"
)

// triggerStore is the slice of store the trigger needs.
type triggerStore interface {
	GetProjectOwned(ctx context.Context, id, ownerUserID uuid.UUID) (store.Project, error)
	ListSources(ctx context.Context, projectID uuid.UUID, sourceIDs []uuid.UUID) ([]store.Source, error)
	CountJobBacklog(ctx context.Context, projectID uuid.UUID) (store.JobBacklog, error)
	EnqueueJobs(ctx context.Context, projectID uuid.UUID, sourceIDs []uuid.UUID) ([]store.EnqueuedJob, error)
	ResetSourcesPending(ctx context.Context, sourceIDs []uuid.UUID) error
}

// recorder is satisfied by *audit.Recorder.
type recorder interface {
	Record(ctx context.Context, e audit.Event)
}

// Config carries the backlog ceilings.
type Config struct {
	MaxRunningPerProject int
	MaxQueuedPerProject  int
}

// Service triggers resyncs.
type Service struct {
	store    triggerStore
	verifier authn.Verifier
	audit    recorder
	cfg      Config
	logger   *slog.Logger
}

// New creates a Service.
func New(st triggerStore, verifier authn.Verifier, rec recorder, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, verifier: verifier, audit: rec, cfg: cfg, logger: logger}
}

// Request is one resync trigger. SourceID nil means all of the project's
// sources.
type Request struct {
	BearerToken string
	ProjectID   uuid.UUID
	SourceID    *uuid.UUID
	IP          string
	UserAgent   string
	RequestID   string
}

// Result reports what the trigger enqueued.
type Result struct {
	ProjectID           uuid.UUID   `json:"project_id"`
	JobIDs              []uuid.UUID `json:"job_ids"`
	EnqueuedCount       int         `json:"enqueued_count"`
	SkippedExisting     int         `json:"skipped_existing_count"`
	SelectedSourceCount int         `json:"selected_source_count"`
}

// Trigger enqueues ingestion jobs for the selected sources, skipping any
// with a job already queued or running. Re-triggering is idempotent.
func (s *Service) Trigger(ctx context.Context, req Request) (Result, error) {
	userID, err := s.verifier.Verify(ctx, req.BearerToken)
	if err != nil {
		if errors.Is(err, authn.ErrUnauthenticated) {
			return Result{}, apperr.New(http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid session")
		}
		return Result{}, fmt.Errorf("verifying session: %w", err)
	}

	project, err := s.store.GetProjectOwned(ctx, req.ProjectID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, apperr.New(http.StatusNotFound, apperr.CodeProjectNotFound, "project not found")
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading project: %w", err)
	}

	backlog, err := s.store.CountJobBacklog(ctx, project.ID)
	if err != nil {
		return Result{}, fmt.Errorf("counting backlog: %w", err)
	}
	if backlog.Running >= s.cfg.MaxRunningPerProject {
		return Result{}, apperr.New(http.StatusConflict, apperr.CodeResyncInProgress,
			"too many running ingestion jobs").WithRetryable()
	}
	if backlog.Queued >= s.cfg.MaxQueuedPerProject {
		return Result{}, apperr.New(http.StatusConflict, apperr.CodeResyncInProgress,
			"ingestion queue is full").WithRetryable()
	}

	var subset []uuid.UUID
	if req.SourceID != nil {
		subset = []uuid.UUID{*req.SourceID}
	}
	sources, err := s.store.ListSources(ctx, project.ID, subset)
	if err != nil {
		return Result{}, fmt.Errorf("listing sources: %w", err)
	}
	if req.SourceID != nil && len(sources) == 0 {
		return Result{}, apperr.New(http.StatusNotFound, apperr.CodeSourceNotFound, "source not found")
	}

	sourceIDs := make([]uuid.UUID, len(sources))
	for i, src := range sources {
		sourceIDs[i] = src.ID
	}

	enqueued, err := s.store.EnqueueJobs(ctx, project.ID, sourceIDs)
	if err != nil {
		return Result{}, fmt.Errorf("enqueueing jobs: %w", err)
	}

	jobIDs := make([]uuid.UUID, len(enqueued))
	resetIDs := make([]uuid.UUID, len(enqueued))
	for i, j := range enqueued {
		jobIDs[i] = j.JobID
		resetIDs[i] = j.SourceID
	}
	if err := s.store.ResetSourcesPending(ctx, resetIDs); err != nil {
		return Result{}, fmt.Errorf("resetting sources: %w", err)
	}

	result := Result{
		ProjectID:           project.ID,
		JobIDs:              jobIDs,
		EnqueuedCount:       len(enqueued),
		SkippedExisting:     len(sources) - len(enqueued),
		SelectedSourceCount: len(sources),
	}

	s.audit.Record(ctx, audit.Event{
		ProjectID: &project.ID,
		Type:      audit.EventResyncTriggered,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Metadata: map[string]any{
			"enqueued": result.EnqueuedCount,
			"skipped":  result.SkippedExisting,
			"selected": result.SelectedSourceCount,
		},
	})
	s.logger.Info("resync triggered",
		"project_id", project.ID, "enqueued", result.EnqueuedCount, "skipped", result.SkippedExisting)
	return result, nil
}
