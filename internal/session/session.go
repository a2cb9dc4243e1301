// Package session issues embed-session credentials: short-lived signed
// tokens that bind a project to the exact origin that asked for one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/embedkb/embedkb/internal/apperr"
	"github.com/embedkb/embedkb/internal/audit"
	"github.com/embedkb/embedkb/internal/embedtoken"
	"github.com/embedkb/embedkb/internal/origin"
	"github.com/embedkb/embedkb/internal/store"
)

// projectGetter is the slice of store the issuer needs.
type projectGetter interface {
	GetProjectByHandle(ctx context.Context, handle string) (store.Project, error)
}

// recorder is satisfied by *audit.Recorder.
type recorder interface {
	Record(ctx context.Context, e audit.Event)
}

// Service mints embed tokens for allowlisted origins.
type Service struct {
	store  projectGetter
	signer *embedtoken.Signer
	audit  recorder
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service. ttl is the token lifetime; the config layer has
// already capped it.
func New(st projectGetter, signer *embedtoken.Signer, rec recorder, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, signer: signer, audit: rec, ttl: ttl, logger: logger, now: time.Now}
}

// IssueRequest carries the caller's identity for issuance and auditing.
type IssueRequest struct {
	ProjectHandle string
	Origin        string
	IP            string
	UserAgent     string
	RequestID     string
}

// IssueResult is the minted credential.
type IssueResult struct {
	EmbedToken    string    `json:"embed_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	ProjectHandle string    `json:"project_handle"`
}

// Issue validates the requesting origin against the project's allowlist and
// mints a token bound to it.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	handle := strings.ToLower(strings.TrimSpace(req.ProjectHandle))
	if handle == "" {
		return IssueResult{}, apperr.New(http.StatusBadRequest, apperr.CodeInvalidRequest, "project_handle is required")
	}

	canonical, err := origin.Canonicalize(req.Origin)
	if err != nil {
		return IssueResult{}, apperr.New(http.StatusBadRequest, apperr.CodeInvalidOriginFormat, "invalid origin format")
	}

	project, err := s.store.GetProjectByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return IssueResult{}, apperr.New(http.StatusNotFound, apperr.CodeProjectNotFound, "unknown project handle")
		}
		return IssueResult{}, fmt.Errorf("loading project: %w", err)
	}

	allowed := origin.CanonicalizeSet(project.AllowedOrigins)
	if _, ok := allowed[canonical]; !ok {
		s.audit.Record(ctx, audit.Event{
			ProjectID: &project.ID,
			Type:      audit.EventSessionRejected,
			Origin:    canonical,
			IP:        req.IP,
			UserAgent: req.UserAgent,
			RequestID: req.RequestID,
			Metadata:  map[string]any{"reason": "blocked_origin"},
		})
		return IssueResult{}, apperr.New(http.StatusForbidden, apperr.CodeBlockedOrigin, "origin not allowed for this project")
	}

	token, payload, err := s.signer.Mint(project.ID.String(), project.Handle, canonical, s.now(), s.ttl)
	if err != nil {
		return IssueResult{}, fmt.Errorf("minting embed token: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		ProjectID: &project.ID,
		Type:      audit.EventSessionIssued,
		Origin:    canonical,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Metadata:  map[string]any{"jti": payload.TokenID, "ttl_seconds": int(s.ttl.Seconds())},
	})

	return IssueResult{
		EmbedToken:    token,
		ExpiresAt:     time.Unix(payload.ExpiresAt, 0).UTC(),
		ProjectHandle: project.Handle,
	}, nil
}
