package session

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/embedkb/embedkb/internal/apperr"
	"github.com/embedkb/embedkb/internal/audit"
	"github.com/embedkb/embedkb/internal/embedtoken"
	"github.com/embedkb/embedkb/internal/log"
	"github.com/embedkb/embedkb/internal/store"
)

type fakeProjects struct {
	projects map[string]store.Project
}

func (f *fakeProjects) GetProjectByHandle(_ context.Context, handle string) (store.Project, error) {
	p, ok := f.projects[handle]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

type fakeAudit struct {
	events []audit.Event
}

func (f *fakeAudit) Record(_ context.Context, e audit.Event) {
	f.events = append(f.events, e)
}

func newTestService(t *testing.T) (*Service, *fakeAudit) {
	t.Helper()
	signer, err := embedtoken.NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	projects := &fakeProjects{projects: map[string]store.Project{
		"acme-docs": {
			ID:             uuid.New(),
			Handle:         "acme-docs",
			AllowedOrigins: []string{"https://Example.com:443", "http://localhost:5173"},
		},
	}}
	rec := &fakeAudit{}
	svc := New(projects, signer, rec, 300*time.Second, log.NewNop())
	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return svc, rec
}

func TestIssueSuccess(t *testing.T) {
	svc, rec := newTestService(t)

	got, err := svc.Issue(context.Background(), IssueRequest{
		ProjectHandle: "  ACME-Docs ",
		Origin:        "https://example.com",
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if got.ProjectHandle != "acme-docs" {
		t.Errorf("ProjectHandle = %q", got.ProjectHandle)
	}
	if got.ExpiresAt.Unix() != 1_700_000_000+300 {
		t.Errorf("ExpiresAt = %v", got.ExpiresAt)
	}

	// Minted token must verify and carry the canonical origin.
	signer, _ := embedtoken.NewSigner([]byte("test-secret"))
	payload, err := signer.Verify(got.EmbedToken, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if payload.Origin != "https://example.com" {
		t.Errorf("token origin = %q", payload.Origin)
	}

	if len(rec.events) != 1 || rec.events[0].Type != audit.EventSessionIssued {
		t.Errorf("audit events = %+v", rec.events)
	}
}

func TestIssueAllowlistCanonicalized(t *testing.T) {
	svc, _ := newTestService(t)

	// The allowlist entry "https://Example.com:443" canonicalizes to
	// "https://example.com", so this must match.
	if _, err := svc.Issue(context.Background(), IssueRequest{
		ProjectHandle: "acme-docs",
		Origin:        "https://EXAMPLE.COM:443",
	}); err != nil {
		t.Errorf("Issue() error = %v", err)
	}
}

func TestIssueRejections(t *testing.T) {
	tests := []struct {
		name       string
		handle     string
		origin     string
		wantCode   string
		wantStatus int
	}{
		{"blocked origin", "acme-docs", "https://evil.example", apperr.CodeBlockedOrigin, http.StatusForbidden},
		{"http non-loopback", "acme-docs", "http://example.com", apperr.CodeInvalidOriginFormat, http.StatusBadRequest},
		{"garbage origin", "acme-docs", "not a url", apperr.CodeInvalidOriginFormat, http.StatusBadRequest},
		{"unknown project", "nope", "https://example.com", apperr.CodeProjectNotFound, http.StatusNotFound},
		{"empty handle", "", "https://example.com", apperr.CodeInvalidRequest, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, rec := newTestService(t)
			_, err := svc.Issue(context.Background(), IssueRequest{
				ProjectHandle: tt.handle,
				Origin:        tt.origin,
			})
			var appErr *apperr.Error
			if !errors.As(err, &appErr) {
				t.Fatalf("Issue() error = %v, want *apperr.Error", err)
			}
			if appErr.Code != tt.wantCode || appErr.Status != tt.wantStatus {
				t.Errorf("error = %s/%d, want %s/%d", appErr.Code, appErr.Status, tt.wantCode, tt.wantStatus)
			}
			if tt.wantCode == apperr.CodeBlockedOrigin {
				if len(rec.events) != 1 || rec.events[0].Type != audit.EventSessionRejected {
					t.Errorf("audit events = %+v, want one rejection", rec.events)
				}
			}
		})
	}
}
