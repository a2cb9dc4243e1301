// Package api is the HTTP surface: routing, middleware, and the JSON
// response envelope. Handlers decode requests, delegate to the services,
// and translate their results; no business rules live here.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/embedkb/embedkb/internal/apperr"
	"github.com/embedkb/embedkb/internal/connect"
	"github.com/embedkb/embedkb/internal/ingest"
	"github.com/embedkb/embedkb/internal/kbchat"
	"github.com/embedkb/embedkb/internal/resync"
	"github.com/embedkb/embedkb/internal/session"
)

// maxBodyBytes bounds request bodies before decoding.
const maxBodyBytes = 1 << 20

type sessionIssuer interface {
	Issue(ctx context.Context, req session.IssueRequest) (session.IssueResult, error)
}

type chatGateway interface {
	Chat(ctx context.Context, req kbchat.Request) (kbchat.Result, error)
}

type oauthCallback interface {
	Callback(ctx context.Context, in connect.CallbackInput) string
}

type resyncTrigger interface {
	Trigger(ctx context.Context, req resync.Request) (resync.Result, error)
}

type ingestRunner interface {
	Run(ctx context.Context, maxJobs int) (ingest.RunResult, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Config carries the transport-level knobs.
type Config struct {
	IngestRunnerToken string
	MaxJobsPerRun     int
	IPRateBurst       int
	TrustProxy        bool
}

// Server routes HTTP requests to the services.
type Server struct {
	sessions sessionIssuer
	chat     chatGateway
	oauth    oauthCallback
	resyncs  resyncTrigger
	ingests  ingestRunner
	db       pinger
	cfg      Config
	limiter  *ipLimiter
	logger   *slog.Logger
}

// New creates a Server.
func New(sessions sessionIssuer, chat chatGateway, oauth oauthCallback, resyncs resyncTrigger, ingests ingestRunner, db pinger, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		chat:     chat,
		oauth:    oauth,
		resyncs:  resyncs,
		ingests:  ingests,
		db:       db,
		cfg:      cfg,
		limiter:  newIPLimiter(cfg.IPRateBurst, cfg.TrustProxy),
		logger:   logger,
	}
}

// Handler builds the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Widget-facing endpoints get CORS reflection and the per-IP limiter.
	embed := func(h http.HandlerFunc) http.Handler {
		return withCORS(s.limiter.wrap(s.logger, h))
	}
	preflight := withCORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	mux.Handle("POST /v1/embed-session", embed(s.handleEmbedSession))
	mux.Handle("OPTIONS /v1/embed-session", preflight)
	mux.Handle("POST /v1/chat", embed(s.handleChat))
	mux.Handle("OPTIONS /v1/chat", preflight)

	mux.HandleFunc("GET /v1/oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("POST /v1/resync", s.handleResync)
	mux.HandleFunc("POST /v1/ingest/run", s.handleIngestRun)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	return withRecovery(s.logger, withRequestID(withLogging(s.logger, mux)))
}

func (s *Server) handleEmbedSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectHandle string `json:"project_handle"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	result, err := s.sessions.Issue(r.Context(), session.IssueRequest{
		ProjectHandle: body.ProjectHandle,
		Origin:        r.Header.Get("Origin"),
		IP:            clientIP(r, s.cfg.TrustProxy),
		UserAgent:     r.UserAgent(),
		RequestID:     requestIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, r, http.StatusOK, result)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EmbedToken string `json:"embed_token"`
		Message    string `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	result, err := s.chat.Chat(r.Context(), kbchat.Request{
		EmbedToken: body.EmbedToken,
		Message:    body.Message,
		Origin:     r.Header.Get("Origin"),
		IP:         clientIP(r, s.cfg.TrustProxy),
		UserAgent:  r.UserAgent(),
		RequestID:  requestIDFrom(r.Context()),
		TraceID:    traceIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, r, http.StatusOK, result)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := s.oauth.Callback(r.Context(), connect.CallbackInput{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		ProviderError: q.Get("error"),
		RequestID:     requestIDFrom(r.Context()),
		IP:            clientIP(r, s.cfg.TrustProxy),
		UserAgent:     r.UserAgent(),
	})
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
		SourceID  string `json:"source_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	projectID, err := uuid.Parse(body.ProjectID)
	if err != nil {
		writeError(w, r, s.logger, apperr.New(http.StatusBadRequest,
			apperr.CodeInvalidRequest, "project_id must be a UUID"))
		return
	}
	var sourceID *uuid.UUID
	if body.SourceID != "" {
		id, err := uuid.Parse(body.SourceID)
		if err != nil {
			writeError(w, r, s.logger, apperr.New(http.StatusBadRequest,
				apperr.CodeInvalidRequest, "source_id must be a UUID"))
			return
		}
		sourceID = &id
	}

	result, err := s.resyncs.Trigger(r.Context(), resync.Request{
		BearerToken: bearerToken(r),
		ProjectID:   projectID,
		SourceID:    sourceID,
		IP:          clientIP(r, s.cfg.TrustProxy),
		UserAgent:   r.UserAgent(),
		RequestID:   requestIDFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, r, http.StatusOK, result)
}

func (s *Server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.IngestRunnerToken == "" ||
		subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(s.cfg.IngestRunnerToken)) != 1 {
		writeError(w, r, s.logger, apperr.New(http.StatusUnauthorized,
			apperr.CodeUnauthorized, "invalid runner token"))
		return
	}

	result, err := s.ingests.Run(r.Context(), s.cfg.MaxJobsPerRun)
	if err != nil {
		writeError(w, r, s.logger, fmt.Errorf("running ingestion: %w", err))
		return
	}
	writeData(w, r, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeError(w, r, s.logger, apperr.New(http.StatusServiceUnavailable,
			apperr.CodeUpstreamUnavailable, "database unavailable").WithRetryable().Wrap(err))
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return apperr.New(http.StatusBadRequest, apperr.CodeInvalidRequest, "malformed JSON body").Wrap(err)
	}
	return nil
}
