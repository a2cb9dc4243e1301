package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const projectCols = `id, handle, name, owner_user_id, allowed_origins,
	rate_rpm, rate_burst,
	quota_daily_requests, quota_monthly_requests,
	quota_daily_tokens, quota_monthly_tokens,
	input_validation_prompt, output_validation_prompt,
	max_total_chunks, max_ocr_pages_per_sync,
	created_at, updated_at`

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Handle, &p.Name, &p.OwnerUserID, &p.AllowedOrigins,
		&p.RateRPM, &p.RateBurst,
		&p.QuotaDailyRequests, &p.QuotaMonthlyRequests,
		&p.QuotaDailyTokens, &p.QuotaMonthlyTokens,
		&p.InputValidationPrompt, &p.OutputValidationPrompt,
		&p.MaxTotalChunks, &p.MaxOCRPagesPerSync,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, notFound(err)
	}
	return p, nil
}

// GetProjectByHandle looks up a project by its unique handle. The caller is
// expected to lowercase and trim the handle first.
func (s *Store) GetProjectByHandle(ctx context.Context, handle string) (Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectCols+` FROM projects WHERE handle = $1`, handle)
	return scanProject(row)
}

// GetProjectByID looks up a project by id.
func (s *Store) GetProjectByID(ctx context.Context, id uuid.UUID) (Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

// GetProjectOwned looks up a project by id and verifies ownership in the
// same query.
func (s *Store) GetProjectOwned(ctx context.Context, id, ownerUserID uuid.UUID) (Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = $1 AND owner_user_id = $2`,
		id, ownerUserID)
	return scanProject(row)
}

// consumeRateSQL refills the project's token bucket from wall-clock elapsed
// time, then takes one token if at least one is available. Single statement:
// the FOR UPDATE in the first CTE serializes concurrent callers on the
// bucket row, and a missing row starts a full bucket.
const consumeRateSQL = `WITH existing AS (
	SELECT tokens, updated_at FROM project_rate_buckets
	WHERE project_id = $1
	FOR UPDATE
), refilled AS (
	SELECT LEAST($2::float8,
		tokens + EXTRACT(EPOCH FROM (now() - updated_at)) * $3::float8) AS tokens
	FROM existing
), upsert AS (
	INSERT INTO project_rate_buckets (project_id, tokens, updated_at)
	VALUES ($1,
		COALESCE(
			(SELECT CASE WHEN tokens >= 1 THEN tokens - 1 ELSE tokens END FROM refilled),
			$2::float8 - 1),
		now())
	ON CONFLICT (project_id) DO UPDATE
	SET tokens = EXCLUDED.tokens, updated_at = EXCLUDED.updated_at
)
SELECT COALESCE((SELECT tokens >= 1 FROM refilled), $2::float8 >= 1)`

// ConsumeRateLimit takes one token from the project's bucket. burst is the
// bucket capacity, ratePerSecond the refill rate. Returns false when the
// bucket is empty; the state update and the decision are one round trip.
func (s *Store) ConsumeRateLimit(ctx context.Context, projectID uuid.UUID, burst float64, ratePerSecond float64) (bool, error) {
	var allowed bool
	err := s.pool.QueryRow(ctx, consumeRateSQL, projectID, burst, ratePerSecond).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("consuming rate limit: %w", err)
	}
	return allowed, nil
}

// UsageQuota carries the quotas checked by ReserveUsage. Zero request
// quotas and nil token quotas disable the corresponding check.
type UsageQuota struct {
	DailyRequests   int
	MonthlyRequests int
	DailyTokens     *int64
	MonthlyTokens   *int64
}

// UsageReservation is the delta to reserve: one request plus estimated
// tokens for the initial gate, zero requests plus the token delta for the
// post-generation reconciliation.
type UsageReservation struct {
	Requests  int
	TokensIn  int64
	TokensOut int64
}

// Quota deny reasons.
const (
	DenyDailyRequests   = "daily_requests"
	DenyMonthlyRequests = "monthly_requests"
	DenyDailyTokens     = "daily_tokens"
	DenyMonthlyTokens   = "monthly_tokens"
)

// errQuotaExceeded aborts the ReserveUsage transaction without surfacing an
// error to the caller.
var errQuotaExceeded = errors.New("quota exceeded")

// ReserveUsage applies a usage delta to today's row and enforces the
// project's quotas inside one transaction. On denial the delta is rolled
// back, so denied requests never consume quota, and the specific exhausted
// quota is reported as the deny reason.
func (s *Store) ReserveUsage(ctx context.Context, projectID uuid.UUID, res UsageReservation, quota UsageQuota) (allowed bool, denyReason string, err error) {
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var dayRequests int
		var dayTokensIn, dayTokensOut int64
		err := tx.QueryRow(ctx,
			`INSERT INTO project_usage (project_id, day, requests, tokens_in, tokens_out)
			VALUES ($1, CURRENT_DATE, $2, $3, $4)
			ON CONFLICT (project_id, day) DO UPDATE
			SET requests = project_usage.requests + EXCLUDED.requests,
				tokens_in = project_usage.tokens_in + EXCLUDED.tokens_in,
				tokens_out = project_usage.tokens_out + EXCLUDED.tokens_out
			RETURNING requests, tokens_in, tokens_out`,
			projectID, res.Requests, res.TokensIn, res.TokensOut).
			Scan(&dayRequests, &dayTokensIn, &dayTokensOut)
		if err != nil {
			return fmt.Errorf("applying usage delta: %w", err)
		}

		if quota.DailyRequests > 0 && dayRequests > quota.DailyRequests {
			denyReason = DenyDailyRequests
			return errQuotaExceeded
		}
		if quota.DailyTokens != nil && dayTokensIn+dayTokensOut > *quota.DailyTokens {
			denyReason = DenyDailyTokens
			return errQuotaExceeded
		}

		if quota.MonthlyRequests > 0 || quota.MonthlyTokens != nil {
			var monthRequests int
			var monthTokens int64
			err := tx.QueryRow(ctx,
				`SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(tokens_in + tokens_out), 0)
				FROM project_usage
				WHERE project_id = $1 AND day >= date_trunc('month', CURRENT_DATE)`,
				projectID).Scan(&monthRequests, &monthTokens)
			if err != nil {
				return fmt.Errorf("summing monthly usage: %w", err)
			}
			if quota.MonthlyRequests > 0 && monthRequests > quota.MonthlyRequests {
				denyReason = DenyMonthlyRequests
				return errQuotaExceeded
			}
			if quota.MonthlyTokens != nil && monthTokens > *quota.MonthlyTokens {
				denyReason = DenyMonthlyTokens
				return errQuotaExceeded
			}
		}
		return nil
	})
	if errors.Is(err, errQuotaExceeded) {
		return false, denyReason, nil
	}
	if err != nil {
		return false, "", err
	}
	return true, "", nil
}

// UsageDay is one day's accumulated usage.
type UsageDay struct {
	Day       time.Time
	Requests  int
	TokensIn  int64
	TokensOut int64
}

// GetUsage returns up to limit most recent usage days for a project.
func (s *Store) GetUsage(ctx context.Context, projectID uuid.UUID, limit int) ([]UsageDay, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT day, requests, tokens_in, tokens_out FROM project_usage
		WHERE project_id = $1 ORDER BY day DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var days []UsageDay
	for rows.Next() {
		var d UsageDay
		if err := rows.Scan(&d.Day, &d.Requests, &d.TokensIn, &d.TokensOut); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}
