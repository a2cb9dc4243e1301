package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/embedkb/embedkb/internal/log"
	"github.com/embedkb/embedkb/internal/store"
	"github.com/embedkb/embedkb/internal/testutil"
)

// testStore pairs the Store under test with raw pool access for seeding
// rows that this service never writes itself (project provisioning belongs
// to the owner dashboard).
type testStore struct {
	*store.Store
	pool *pgxpool.Pool
}

func setupStore(t *testing.T) *testStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tdb, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	s, err := store.New(tdb.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	return &testStore{Store: s, pool: tdb.Pool}
}

func (ts *testStore) seed(t *testing.T, sql string, args ...any) {
	t.Helper()
	if _, err := ts.pool.Exec(context.Background(), sql, args...); err != nil {
		t.Fatalf("seeding row: %v", err)
	}
}

func createProject(t *testing.T, s *testStore, handle string) store.Project {
	t.Helper()
	s.seed(t, `INSERT INTO projects
		(id, handle, owner_user_id, allowed_origins, rate_rpm, rate_burst,
		 quota_daily_requests, quota_monthly_requests)
		VALUES ($1, $2, $3, $4, 60, 10, 100, 1000)`,
		uuid.New(), handle, uuid.New(), []string{"https://example.com"})

	p, err := s.GetProjectByHandle(context.Background(), handle)
	if err != nil {
		t.Fatalf("GetProjectByHandle(%q) error = %v", handle, err)
	}
	return p
}

func createSource(t *testing.T, s *testStore, projectID uuid.UUID, sourceType string) store.Source {
	t.Helper()
	id := uuid.New()
	s.seed(t, `INSERT INTO project_sources (id, project_id, source_type, drive_file_id, title)
		VALUES ($1, $2, $3, $4, $5)`,
		id, projectID, sourceType, "file-"+id.String()[:8], "Test Doc")

	src, err := s.GetSource(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSource() error = %v", err)
	}
	return src
}

func makeVec(seed float32) pgvector.Vector {
	v := make([]float32, 768)
	v[0] = 1
	v[1] = seed
	return pgvector.NewVector(v)
}

func TestProjectLookup(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := createProject(t, s, "acme-docs")
	if p.RateBurst != 10 {
		t.Errorf("RateBurst = %d, want 10", p.RateBurst)
	}

	byID, err := s.GetProjectByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProjectByID() error = %v", err)
	}
	if byID.Handle != "acme-docs" {
		t.Errorf("Handle = %q", byID.Handle)
	}

	if _, err := s.GetProjectByHandle(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetProjectByHandle(missing) error = %v, want ErrNotFound", err)
	}

	if _, err := s.GetProjectOwned(ctx, p.ID, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetProjectOwned(wrong owner) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetProjectOwned(ctx, p.ID, p.OwnerUserID); err != nil {
		t.Errorf("GetProjectOwned(owner) error = %v", err)
	}
}

func TestConsumeRateLimit(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := createProject(t, s, "rate-test")

	// Refill rate 0: the bucket only ever drains, so exactly burst
	// requests succeed.
	const burst = 3
	for i := 0; i < burst; i++ {
		allowed, err := s.ConsumeRateLimit(ctx, p.ID, burst, 0)
		if err != nil {
			t.Fatalf("ConsumeRateLimit() error = %v", err)
		}
		if !allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	allowed, err := s.ConsumeRateLimit(ctx, p.ID, burst, 0)
	if err != nil {
		t.Fatalf("ConsumeRateLimit() error = %v", err)
	}
	if allowed {
		t.Error("request beyond burst allowed, want denied")
	}

	// A generous refill rate makes the next request admissible again.
	time.Sleep(1100 * time.Millisecond)
	allowed, err = s.ConsumeRateLimit(ctx, p.ID, burst, 5)
	if err != nil {
		t.Fatalf("ConsumeRateLimit() error = %v", err)
	}
	if !allowed {
		t.Error("request after refill denied, want allowed")
	}
}

func TestReserveUsage(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := createProject(t, s, "usage-test")

	quota := store.UsageQuota{DailyRequests: 2, MonthlyRequests: 1000}
	oneRequest := store.UsageReservation{Requests: 1, TokensIn: 10}
	for i := 0; i < 2; i++ {
		allowed, reason, err := s.ReserveUsage(ctx, p.ID, oneRequest, quota)
		if err != nil {
			t.Fatalf("ReserveUsage() error = %v", err)
		}
		if !allowed {
			t.Fatalf("request %d denied (%s), want allowed", i+1, reason)
		}
	}

	allowed, reason, err := s.ReserveUsage(ctx, p.ID, oneRequest, quota)
	if err != nil {
		t.Fatalf("ReserveUsage() error = %v", err)
	}
	if allowed || reason != store.DenyDailyRequests {
		t.Errorf("over-quota reservation = %v/%q, want denied/daily_requests", allowed, reason)
	}

	// The denied delta must have been rolled back: counters stay at the
	// quota.
	days, err := s.GetUsage(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if len(days) != 1 || days[0].Requests != 2 || days[0].TokensIn != 20 {
		t.Errorf("usage = %+v, want one day with 2 requests / 20 tokens_in", days)
	}

	// Token-only reconciliation consumes no request quota.
	allowed, _, err = s.ReserveUsage(ctx, p.ID,
		store.UsageReservation{TokensIn: 30, TokensOut: 50}, quota)
	if err != nil {
		t.Fatalf("ReserveUsage(tokens only) error = %v", err)
	}
	if !allowed {
		t.Error("token-only reservation denied, want allowed")
	}
	days, _ = s.GetUsage(ctx, p.ID, 1)
	if days[0].Requests != 2 || days[0].TokensIn != 50 || days[0].TokensOut != 50 {
		t.Errorf("usage after reconcile = %+v", days[0])
	}
}

func TestReserveUsageTokenQuota(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := createProject(t, s, "token-quota-test")

	daily := int64(100)
	quota := store.UsageQuota{DailyTokens: &daily}

	allowed, _, err := s.ReserveUsage(ctx, p.ID,
		store.UsageReservation{Requests: 1, TokensIn: 90}, quota)
	if err != nil {
		t.Fatalf("ReserveUsage() error = %v", err)
	}
	if !allowed {
		t.Fatal("first reservation denied, want allowed")
	}

	allowed, reason, err := s.ReserveUsage(ctx, p.ID,
		store.UsageReservation{Requests: 1, TokensIn: 20}, quota)
	if err != nil {
		t.Fatalf("ReserveUsage() error = %v", err)
	}
	if allowed || reason != store.DenyDailyTokens {
		t.Errorf("over-token reservation = %v/%q, want denied/daily_tokens", allowed, reason)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := createProject(t, s, "jobs-test")
	src := createSource(t, s, p.ID, "gdoc")

	if _, err := s.ClaimJob(ctx, 300); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ClaimJob(empty queue) error = %v, want ErrNotFound", err)
	}

	ids, err := s.EnqueueJobs(ctx, p.ID, []uuid.UUID{src.ID})
	if err != nil {
		t.Fatalf("EnqueueJobs() error = %v", err)
	}
	if len(ids) != 1 || ids[0].SourceID != src.ID {
		t.Fatalf("EnqueueJobs() = %+v, want one job for %s", ids, src.ID)
	}

	// Second enqueue for the same source is an idempotent no-op.
	again, err := s.EnqueueJobs(ctx, p.ID, []uuid.UUID{src.ID})
	if err != nil {
		t.Fatalf("EnqueueJobs() again error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("duplicate enqueue created %d jobs, want 0", len(again))
	}

	job, err := s.ClaimJob(ctx, 300)
	if err != nil {
		t.Fatalf("ClaimJob() error = %v", err)
	}
	if job.ID != ids[0].JobID || job.Status != store.JobRunning || job.Attempts != 1 {
		t.Errorf("claimed job = %+v", job)
	}

	// Running jobs within their lease are not claimable.
	if _, err := s.ClaimJob(ctx, 300); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ClaimJob(leased) error = %v, want ErrNotFound", err)
	}

	// A zero lease makes the running job immediately reclaimable, as if
	// the worker had crashed.
	reclaimed, err := s.ClaimJob(ctx, 0)
	if err != nil {
		t.Fatalf("ClaimJob(expired lease) error = %v", err)
	}
	if reclaimed.ID != job.ID || reclaimed.Attempts != 2 {
		t.Errorf("reclaimed = %+v, want same job with attempts=2", reclaimed)
	}

	if err := s.RequeueJob(ctx, job.ID, "transient failure"); err != nil {
		t.Fatalf("RequeueJob() error = %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.JobQueued || got.Error == nil || *got.Error != "transient failure" {
		t.Errorf("requeued job = %+v", got)
	}

	job, err = s.ClaimJob(ctx, 300)
	if err != nil {
		t.Fatalf("ClaimJob() after requeue error = %v", err)
	}
	if job.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", job.Attempts)
	}

	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.Status != store.JobDone || got.CompletedAt == nil {
		t.Errorf("completed job = %+v", got)
	}

	backlog, err := s.CountJobBacklog(ctx, p.ID)
	if err != nil {
		t.Fatalf("CountJobBacklog() error = %v", err)
	}
	if backlog.Running != 0 || backlog.Queued != 0 {
		t.Errorf("backlog = %+v, want empty", backlog)
	}
}

func TestFailJobTerminal(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := createProject(t, s, "fail-test")
	src := createSource(t, s, p.ID, "gpdf")

	ids, _ := s.EnqueueJobs(ctx, p.ID, []uuid.UUID{src.ID})
	job, err := s.ClaimJob(ctx, 300)
	if err != nil {
		t.Fatalf("ClaimJob() error = %v", err)
	}
	if err := s.FailJob(ctx, job.ID, "permanent failure"); err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}

	got, _ := s.GetJob(ctx, ids[0].JobID)
	if got.Status != store.JobFailed || got.CompletedAt == nil {
		t.Errorf("failed job = %+v", got)
	}

	// Terminal jobs are never reclaimed, even with an expired lease.
	if _, err := s.ClaimJob(ctx, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ClaimJob(after terminal fail) error = %v, want ErrNotFound", err)
	}
}

func TestReplaceAndSearchChunks(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := createProject(t, s, "chunks-test")
	src := createSource(t, s, p.ID, "gdoc")

	chunks := []store.Chunk{
		{ChunkIndex: 0, Content: "alpha", Metadata: map[string]any{"citation_anchor": "document"}, Embedding: makeVec(0)},
		{ChunkIndex: 1, Content: "beta", Metadata: map[string]any{"citation_anchor": "document"}, Embedding: makeVec(0.5)},
	}
	if err := s.ReplaceChunks(ctx, p.ID, src.ID, chunks); err != nil {
		t.Fatalf("ReplaceChunks() error = %v", err)
	}

	count, err := s.CountProjectChunks(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("CountProjectChunks() error = %v", err)
	}
	if count != 2 {
		t.Errorf("chunk count = %d, want 2", count)
	}

	matches, err := s.SearchChunks(ctx, p.ID, makeVec(0), 10)
	if err != nil {
		t.Fatalf("SearchChunks() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("SearchChunks() = %d matches, want 2", len(matches))
	}
	if matches[0].Content != "alpha" {
		t.Errorf("best match = %q, want alpha", matches[0].Content)
	}
	if matches[0].Similarity < matches[1].Similarity {
		t.Error("matches not ordered by similarity")
	}
	if matches[0].SourceTitle != "Test Doc" || matches[0].SourceType != "gdoc" {
		t.Errorf("source join = %q/%q", matches[0].SourceTitle, matches[0].SourceType)
	}

	// Replacement fully swaps the set.
	if err := s.ReplaceChunks(ctx, p.ID, src.ID, []store.Chunk{
		{ChunkIndex: 0, Content: "gamma", Embedding: makeVec(1)},
	}); err != nil {
		t.Fatalf("ReplaceChunks() swap error = %v", err)
	}
	matches, _ = s.SearchChunks(ctx, p.ID, makeVec(1), 10)
	if len(matches) != 1 || matches[0].Content != "gamma" {
		t.Errorf("after swap matches = %+v", matches)
	}

	excl, err := s.CountProjectChunks(ctx, p.ID, &src.ID)
	if err != nil {
		t.Fatalf("CountProjectChunks(exclude) error = %v", err)
	}
	if excl != 0 {
		t.Errorf("excluded count = %d, want 0", excl)
	}
}

func TestConnections(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := s.GetConnection(ctx, userID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetConnection(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.TouchConnection(ctx, userID, "sub", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("TouchConnection(missing) error = %v, want ErrNotFound", err)
	}

	conn := store.Connection{
		UserID:        userID,
		GoogleSubject: "google-sub-1",
		Ciphertext:    []byte{0xde, 0xad},
		Nonce:         []byte{0x01, 0x02},
		KeyVersion:    1,
		Scopes:        []string{"drive.readonly"},
	}
	if err := s.UpsertConnection(ctx, conn); err != nil {
		t.Fatalf("UpsertConnection() error = %v", err)
	}

	// A grant without a refresh token only refreshes metadata; the stored
	// ciphertext must survive.
	if err := s.TouchConnection(ctx, userID, "google-sub-1", []string{"drive.readonly", "openid"}); err != nil {
		t.Fatalf("TouchConnection() error = %v", err)
	}
	got, err := s.GetConnection(ctx, userID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if string(got.Ciphertext) != string(conn.Ciphertext) {
		t.Error("TouchConnection replaced ciphertext")
	}
	if len(got.Scopes) != 2 {
		t.Errorf("Scopes = %v", got.Scopes)
	}

	if err := s.DeleteConnection(ctx, userID); err != nil {
		t.Fatalf("DeleteConnection() error = %v", err)
	}
	if _, err := s.GetConnection(ctx, userID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetConnection(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestSourceTransitions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := createProject(t, s, "sources-test")
	src := createSource(t, s, p.ID, "gslides")

	if err := s.MarkSourceProcessing(ctx, src.ID); err != nil {
		t.Fatalf("MarkSourceProcessing() error = %v", err)
	}
	got, _ := s.GetSource(ctx, src.ID)
	if got.Status != store.SourceProcessing {
		t.Errorf("Status = %q", got.Status)
	}

	if err := s.MarkSourceReady(ctx, src.ID); err != nil {
		t.Fatalf("MarkSourceReady() error = %v", err)
	}
	got, _ = s.GetSource(ctx, src.ID)
	if got.Status != store.SourceReady || got.LastIngestedAt == nil {
		t.Errorf("ready source = %+v", got)
	}

	if err := s.MarkSourceFailed(ctx, src.ID, "download denied"); err != nil {
		t.Fatalf("MarkSourceFailed() error = %v", err)
	}
	got, _ = s.GetSource(ctx, src.ID)
	if got.Status != store.SourceFailed || got.Error == nil || *got.Error != "download denied" {
		t.Errorf("failed source = %+v", got)
	}

	listed, err := s.ListSources(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("ListSources() error = %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("ListSources() = %d sources, want 1", len(listed))
	}
	subset, err := s.ListSources(ctx, p.ID, []uuid.UUID{uuid.New()})
	if err != nil {
		t.Fatalf("ListSources(subset) error = %v", err)
	}
	if len(subset) != 0 {
		t.Errorf("ListSources(unknown id) = %d sources, want 0", len(subset))
	}
}

func TestInsertAuditLog(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := createProject(t, s, "audit-test")

	err := s.InsertAuditLog(ctx, store.AuditEntry{
		ProjectID: &p.ID,
		EventType: "chat_called",
		Origin:    "https://example.com",
		IPHash:    "abc123",
		RequestID: uuid.NewString(),
		Metadata:  map[string]any{"latency_ms": 42},
	})
	if err != nil {
		t.Fatalf("InsertAuditLog() error = %v", err)
	}
}
