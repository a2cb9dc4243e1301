// Package store is the PostgreSQL persistence layer. All SQL lives here as
// constants; the rest of the system talks to Store through small
// per-consumer interfaces.
//
// Store is safe for concurrent use by multiple goroutines. The operations
// the handlers race on (rate buckets, usage counters, job claims, chunk
// replacement) are single statements or short transactions so that
// concurrent callers cannot observe partial state.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages all PostgreSQL access.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Connect opens a pgx pool against the given URL and pings it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Ping checks database liveness for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Project is a tenant of the widget platform.
type Project struct {
	ID                     uuid.UUID
	Handle                 string
	Name                   string
	OwnerUserID            uuid.UUID
	AllowedOrigins         []string
	RateRPM                int
	RateBurst              int
	QuotaDailyRequests     int
	QuotaMonthlyRequests   int
	QuotaDailyTokens       *int64
	QuotaMonthlyTokens     *int64
	InputValidationPrompt  string
	OutputValidationPrompt string
	MaxTotalChunks         int
	MaxOCRPagesPerSync     int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Source is a Drive file registered for ingestion into a project.
type Source struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	SourceType     string
	DriveFileID    string
	Title          string
	Status         string
	Error          *string
	LastIngestedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Source statuses.
const (
	SourcePending    = "pending"
	SourceProcessing = "processing"
	SourceReady      = "ready"
	SourceFailed     = "failed"
)

// Job is one queued or running ingestion unit for a single source.
type Job struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	SourceID    uuid.UUID
	Status      string
	Attempts    int
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Job statuses.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Connection holds a user's encrypted Google refresh token.
type Connection struct {
	UserID        uuid.UUID
	GoogleSubject string
	Ciphertext    []byte
	Nonce         []byte
	KeyVersion    int
	Scopes        []string
	UpdatedAt     time.Time
}
