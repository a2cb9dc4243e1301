// Package ingest is the document pipeline: it claims queued jobs, pulls the
// source document from Google Drive with the owner's stored refresh token,
// extracts and chunks the text, embeds the chunks, and atomically replaces
// the project's stored vectors for that source.
//
// One invocation processes jobs sequentially. Horizontal scale-out comes
// from running many invocations against the same queue; the lease on each
// claim bounds how long a crashed worker blocks re-claim.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/embedkb/embedkb/internal/audit"
	"github.com/embedkb/embedkb/internal/store"
	"github.com/embedkb/embedkb/internal/vault"
)

// maxSourceErrorChars bounds the error string surfaced on a failed source.
const maxSourceErrorChars = 500

// Backoff schedule for retriable job failures.
const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// runnerStore is the slice of store the pipeline needs.
type runnerStore interface {
	ClaimJob(ctx context.Context, leaseSeconds int) (store.Job, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID) error
	RequeueJob(ctx context.Context, jobID uuid.UUID, jobErr string) error
	FailJob(ctx context.Context, jobID uuid.UUID, jobErr string) error
	GetSource(ctx context.Context, sourceID uuid.UUID) (store.Source, error)
	GetProjectByID(ctx context.Context, id uuid.UUID) (store.Project, error)
	GetConnection(ctx context.Context, userID uuid.UUID) (store.Connection, error)
	MarkSourceProcessing(ctx context.Context, sourceID uuid.UUID) error
	MarkSourceReady(ctx context.Context, sourceID uuid.UUID) error
	MarkSourceFailed(ctx context.Context, sourceID uuid.UUID, srcErr string) error
	CountProjectChunks(ctx context.Context, projectID uuid.UUID, excludeSourceID *uuid.UUID) (int, error)
	ReplaceChunks(ctx context.Context, projectID, sourceID uuid.UUID, chunks []store.Chunk) error
}

// embedder is the model surface the pipeline uses.
type embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([]pgvector.Vector, error)
	ExtractPDFText(ctx context.Context, pdfData []byte) (string, error)
}

// DriveFiles is the per-connection Drive surface, satisfied by *drive.Client.
type DriveFiles interface {
	ExportText(ctx context.Context, fileID string) (string, error)
	ExportPDF(ctx context.Context, fileID string) ([]byte, error)
	Download(ctx context.Context, fileID string, maxBytes int) ([]byte, error)
}

// recorder is satisfied by *audit.Recorder.
type recorder interface {
	Record(ctx context.Context, e audit.Event)
}

// Config carries the pipeline knobs.
type Config struct {
	LeaseSeconds       int
	MaxAttempts        int
	ChunkSizeChars     int
	ChunkOverlapChars  int
	MaxChunksPerSource int
	EmbeddingBatchSize int
	PDFLowTextMinChars int
	PDFMaxBytes        int
	PDFMaxFallbacks    int
}

// Runner processes ingestion jobs.
type Runner struct {
	store    runnerStore
	models   embedder
	keyring  *vault.Keyring
	audit    recorder
	cfg      Config
	newDrive func(ctx context.Context, refreshToken string) (DriveFiles, error)
	logger   *slog.Logger
	// sleep is swappable so retry tests do not wait out real backoff.
	sleep func(time.Duration)
}

// NewRunner creates a Runner. newDrive builds a Drive client from a
// decrypted refresh token.
func NewRunner(st runnerStore, models embedder, keyring *vault.Keyring, rec recorder, cfg Config, newDrive func(ctx context.Context, refreshToken string) (DriveFiles, error), logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    st,
		models:   models,
		keyring:  keyring,
		audit:    rec,
		cfg:      cfg,
		newDrive: newDrive,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// RunResult summarizes one pipeline invocation.
type RunResult struct {
	ProcessedJobs    int `json:"processed_jobs"`
	PDFFallbacksUsed int `json:"pdf_fallbacks_used"`
}

// Run claims and processes up to maxJobs jobs, stopping early when the queue
// is empty. The PDF fallback budget is shared across the whole batch.
func (r *Runner) Run(ctx context.Context, maxJobs int) (RunResult, error) {
	var result RunResult
	fallbacksLeft := r.cfg.PDFMaxFallbacks

	for i := 0; i < maxJobs; i++ {
		job, err := r.store.ClaimJob(ctx, r.cfg.LeaseSeconds)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("claiming job: %w", err)
		}

		result.ProcessedJobs++
		if err := r.process(ctx, job, &fallbacksLeft); err != nil {
			r.routeFailure(ctx, job, err)
		}
	}

	result.PDFFallbacksUsed = r.cfg.PDFMaxFallbacks - fallbacksLeft
	return result, nil
}

// process runs one claimed job end to end.
func (r *Runner) process(ctx context.Context, job store.Job, fallbacksLeft *int) error {
	src, err := r.store.GetSource(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("loading source: %w", err)
	}
	project, err := r.store.GetProjectByID(ctx, src.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}
	conn, err := r.store.GetConnection(ctx, project.OwnerUserID)
	if err != nil {
		return fmt.Errorf("loading google connection: %w", err)
	}

	if err := r.store.MarkSourceProcessing(ctx, src.ID); err != nil {
		return fmt.Errorf("marking source processing: %w", err)
	}

	refreshToken, err := r.keyring.Decrypt(conn.Ciphertext, conn.Nonce, conn.KeyVersion)
	if err != nil {
		return fmt.Errorf("decrypting refresh token: %w", err)
	}
	dc, err := r.newDrive(ctx, string(refreshToken))
	if err != nil {
		return fmt.Errorf("building drive client: %w", err)
	}

	text, strategy, err := r.extract(ctx, dc, src, project, fallbacksLeft)
	if err != nil {
		return err
	}
	if compactLength(text) == 0 {
		return fmt.Errorf("extraction produced no text for source %s", src.ID)
	}

	maxChunks, err := r.chunkBudget(ctx, project, src)
	if err != nil {
		return err
	}

	texts := splitChunks(text, r.cfg.ChunkSizeChars, r.cfg.ChunkOverlapChars, maxChunks)
	if len(texts) == 0 {
		return fmt.Errorf("chunking produced no chunks for source %s", src.ID)
	}

	embeddings, err := r.embedBatches(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	anchor := "document"
	if src.SourceType == sourceTypePDF {
		anchor = "page_unknown"
	}
	chunks := make([]store.Chunk, len(texts))
	for i, content := range texts {
		chunks[i] = store.Chunk{
			ChunkIndex: i,
			Content:    content,
			Metadata:   map[string]any{"citation_anchor": anchor},
			Embedding:  embeddings[i],
		}
	}

	if err := r.store.ReplaceChunks(ctx, project.ID, src.ID, chunks); err != nil {
		return fmt.Errorf("replacing chunks: %w", err)
	}
	if err := r.store.MarkSourceReady(ctx, src.ID); err != nil {
		return fmt.Errorf("marking source ready: %w", err)
	}
	if err := r.store.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}

	r.audit.Record(ctx, audit.Event{
		ProjectID: &project.ID,
		Type:      audit.EventIngestCompleted,
		Metadata: map[string]any{
			"source_id":   src.ID.String(),
			"job_id":      job.ID.String(),
			"chunk_count": len(chunks),
			"strategy":    strategy,
			"attempts":    job.Attempts,
		},
	})
	r.logger.Info("ingested source",
		"source_id", src.ID, "chunks", len(chunks), "strategy", strategy)
	return nil
}

// extract pulls document text using the strategy for the source type.
func (r *Runner) extract(ctx context.Context, dc DriveFiles, src store.Source, project store.Project, fallbacksLeft *int) (string, string, error) {
	switch src.SourceType {
	case sourceTypeDoc:
		text, err := dc.ExportText(ctx, src.DriveFileID)
		if err != nil {
			return "", "", fmt.Errorf("exporting document: %w", err)
		}
		return text, strategyExportText, nil

	case sourceTypeSlides:
		text, err := dc.ExportText(ctx, src.DriveFileID)
		if err != nil {
			return "", "", fmt.Errorf("exporting presentation: %w", err)
		}
		if strings.TrimSpace(text) != "" {
			return text, strategyExportText, nil
		}
		// Image-heavy decks export empty text; scan the PDF rendering.
		data, err := dc.ExportPDF(ctx, src.DriveFileID)
		if err != nil {
			return "", "", fmt.Errorf("exporting presentation pdf: %w", err)
		}
		return scanPrintableRuns(data, minPrintableRun), strategySlidesScan, nil

	case sourceTypePDF:
		data, err := dc.Download(ctx, src.DriveFileID, r.cfg.PDFMaxBytes)
		if err != nil {
			return "", "", fmt.Errorf("downloading pdf: %w", err)
		}
		return r.extractPDF(ctx, data, src, project, fallbacksLeft)

	default:
		return "", "", fmt.Errorf("unknown source type %q", src.SourceType)
	}
}

// extractPDF scans raw bytes and escalates low-text documents to the model
// extractor when both the per-run and per-project budgets allow it.
func (r *Runner) extractPDF(ctx context.Context, data []byte, src store.Source, project store.Project, fallbacksLeft *int) (string, string, error) {
	baseline := scanPrintableRuns(data, minPrintableRun)
	if compactLength(baseline) >= r.cfg.PDFLowTextMinChars {
		return baseline, strategyByteScan, nil
	}

	pages := estimatePDFPages(data)
	switch {
	case *fallbacksLeft <= 0:
		r.recordGuardrail(ctx, project.ID, src.ID, "pdf_fallback_budget", map[string]any{
			"budget": r.cfg.PDFMaxFallbacks,
		})
		return baseline, strategyByteScan, nil
	case pages > project.MaxOCRPagesPerSync:
		r.recordGuardrail(ctx, project.ID, src.ID, "ocr_page_budget", map[string]any{
			"estimated_pages": pages,
			"budget":          project.MaxOCRPagesPerSync,
		})
		return baseline, strategyByteScan, nil
	}

	*fallbacksLeft--
	extracted, err := r.models.ExtractPDFText(ctx, data)
	if err != nil {
		// Fallback extraction is an enhancement over the baseline scan, not
		// a requirement; keep the scan result and move on.
		r.logger.Warn("pdf fallback extraction failed", "source_id", src.ID, "error", err)
		return baseline, strategyByteScan, nil
	}
	if len(extracted) <= len(baseline) {
		return baseline, strategyByteScan, nil
	}
	return extracted, strategyLLMFallback, nil
}

// chunkBudget computes the per-source chunk ceiling after subtracting what
// the project's other sources already hold.
func (r *Runner) chunkBudget(ctx context.Context, project store.Project, src store.Source) (int, error) {
	existing, err := r.store.CountProjectChunks(ctx, project.ID, &src.ID)
	if err != nil {
		return 0, fmt.Errorf("counting project chunks: %w", err)
	}
	remaining := project.MaxTotalChunks - existing
	if remaining <= 0 {
		return 0, fmt.Errorf("project %s chunk budget exhausted (%d/%d)", project.ID, existing, project.MaxTotalChunks)
	}
	if remaining < r.cfg.MaxChunksPerSource {
		r.recordGuardrail(ctx, project.ID, src.ID, "project_chunk_budget", map[string]any{
			"remaining":  remaining,
			"per_source": r.cfg.MaxChunksPerSource,
		})
		return remaining, nil
	}
	return r.cfg.MaxChunksPerSource, nil
}

// embedBatches embeds chunk texts in fixed-size batches.
func (r *Runner) embedBatches(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	batchSize := r.cfg.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	embeddings := make([]pgvector.Vector, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := r.models.EmbedTexts(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}
	return embeddings, nil
}

// routeFailure records the error on the source and decides retry vs terminal
// failure from the job's attempt count.
func (r *Runner) routeFailure(ctx context.Context, job store.Job, cause error) {
	msg := truncateError(cause)
	if err := r.store.MarkSourceFailed(ctx, job.SourceID, msg); err != nil {
		r.logger.Error("marking source failed", "source_id", job.SourceID, "error", err)
	}

	terminal := job.Attempts >= r.cfg.MaxAttempts
	if terminal {
		if err := r.store.FailJob(ctx, job.ID, msg); err != nil {
			r.logger.Error("failing job", "job_id", job.ID, "error", err)
		}
	} else {
		r.sleep(backoff(job.Attempts))
		if err := r.store.RequeueJob(ctx, job.ID, msg); err != nil {
			r.logger.Error("requeueing job", "job_id", job.ID, "error", err)
		}
	}

	r.audit.Record(ctx, audit.Event{
		ProjectID: &job.ProjectID,
		Type:      audit.EventIngestFailed,
		Metadata: map[string]any{
			"source_id": job.SourceID.String(),
			"job_id":    job.ID.String(),
			"attempts":  job.Attempts,
			"terminal":  terminal,
			"error":     msg,
		},
	})
	r.logger.Warn("ingestion failed",
		"job_id", job.ID, "attempts", job.Attempts, "terminal", terminal, "error", cause)
}

func (r *Runner) recordGuardrail(ctx context.Context, projectID, sourceID uuid.UUID, guardrail string, details map[string]any) {
	metadata := map[string]any{
		"guardrail": guardrail,
		"source_id": sourceID.String(),
	}
	for k, v := range details {
		metadata[k] = v
	}
	r.audit.Record(ctx, audit.Event{
		ProjectID: &projectID,
		Type:      audit.EventGuardrailEnforced,
		Metadata:  metadata,
	})
}

// backoff returns the sleep before retry attempt n+1: 250ms doubling per
// prior attempt, capped at 5s.
func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase << (attempts - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxSourceErrorChars {
		return msg[:maxSourceErrorChars]
	}
	return msg
}
