// Package connect handles the Google OAuth redirect callback: it validates
// the signed-in owner, exchanges the consent code, and stores the encrypted
// refresh token. It is not a JSON API; every outcome is a browser redirect
// back to the owner dashboard's settings page.
package connect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	drivev3 "google.golang.org/api/drive/v3"

	"github.com/embedkb/embedkb/internal/audit"
	"github.com/embedkb/embedkb/internal/authn"
	"github.com/embedkb/embedkb/internal/store"
	"github.com/embedkb/embedkb/internal/vault"
)

// Stable failure reasons surfaced in the redirect. Raw provider errors
// never reach the browser.
const (
	ReasonInvalidState        = "invalid_state"
	ReasonInvalidOwnerSession = "invalid_owner_session"
	ReasonExpiredOAuthCode    = "expired_oauth_code"
	ReasonClientMisconfigured = "oauth_client_misconfigured"
	ReasonConsentRevoked      = "consent_revoked"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonInsufficientScopes  = "insufficient_scopes"
	ReasonMissingTokens       = "oauth_missing_tokens"
	ReasonMissingRefreshToken = "missing_refresh_token"
	ReasonIdentityUnavailable = "google_identity_unavailable"
	ReasonStorageFailed       = "connection_storage_failed"
)

const userinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// exchanger is the code-exchange surface of *oauth2.Config.
type exchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// connStore is the slice of store the callback needs.
type connStore interface {
	GetConnection(ctx context.Context, userID uuid.UUID) (store.Connection, error)
	UpsertConnection(ctx context.Context, c store.Connection) error
	TouchConnection(ctx context.Context, userID uuid.UUID, googleSubject string, scopes []string) error
}

// recorder is satisfied by *audit.Recorder.
type recorder interface {
	Record(ctx context.Context, e audit.Event)
}

// Service processes OAuth callbacks.
type Service struct {
	oauth       exchanger
	verifier    authn.Verifier
	store       connStore
	keyring     *vault.Keyring
	audit       recorder
	ownerAppURL string
	httpClient  *http.Client
	userinfoURL string
	logger      *slog.Logger
}

// New creates a Service. ownerAppURL is the dashboard base the browser is
// sent back to.
func New(oauth exchanger, verifier authn.Verifier, st connStore, keyring *vault.Keyring, rec recorder, ownerAppURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oauth:       oauth,
		verifier:    verifier,
		store:       st,
		keyring:     keyring,
		audit:       rec,
		ownerAppURL: strings.TrimRight(ownerAppURL, "/"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		userinfoURL: userinfoURL,
		logger:      logger,
	}
}

// statePayload is the base64url JSON carried through the provider redirect.
type statePayload struct {
	UserID       string `json:"user_id"`
	SessionToken string `json:"session_token"`
	ReturnTo     string `json:"return_to,omitempty"`
}

// CallbackInput is the provider redirect's query parameters.
type CallbackInput struct {
	Code          string
	State         string
	ProviderError string
	RequestID     string
	IP            string
	UserAgent     string
}

// Callback runs the capture flow and returns the redirect target. It never
// returns an error: every failure becomes an error redirect with a stable
// reason.
func (s *Service) Callback(ctx context.Context, in CallbackInput) string {
	// A provider error short-circuits before any state validation; there
	// is nothing trustworthy to validate.
	if in.ProviderError != "" {
		reason := mapProviderError(in.ProviderError)
		s.recordFailure(ctx, in, nil, reason)
		return s.redirect("error", reason)
	}
	if in.Code == "" || in.State == "" {
		s.recordFailure(ctx, in, nil, ReasonInvalidState)
		return s.redirect("error", ReasonInvalidState)
	}

	state, err := decodeState(in.State)
	if err != nil {
		s.recordFailure(ctx, in, nil, ReasonInvalidState)
		return s.redirect("error", ReasonInvalidState)
	}
	stateUserID, err := uuid.Parse(state.UserID)
	if err != nil {
		s.recordFailure(ctx, in, nil, ReasonInvalidState)
		return s.redirect("error", ReasonInvalidState)
	}

	// The session credential must resolve to the same account the flow
	// was started for.
	sessionUserID, err := s.verifier.Verify(ctx, state.SessionToken)
	if err != nil || sessionUserID != stateUserID {
		s.recordFailure(ctx, in, &stateUserID, ReasonInvalidOwnerSession)
		return s.redirect("error", ReasonInvalidOwnerSession)
	}

	token, err := s.oauth.Exchange(ctx, in.Code)
	if err != nil {
		reason := mapExchangeError(err)
		s.logger.Warn("oauth code exchange failed", "reason", reason, "error", err)
		s.recordFailure(ctx, in, &stateUserID, reason)
		return s.redirect("error", reason)
	}

	scopes := grantedScopes(token)
	if !containsScope(scopes, drivev3.DriveReadonlyScope) {
		s.recordFailure(ctx, in, &stateUserID, ReasonInsufficientScopes)
		return s.redirect("error", ReasonInsufficientScopes)
	}

	subject, err := s.resolveSubject(ctx, token)
	if err != nil {
		s.logger.Warn("resolving google subject failed", "error", err)
		s.recordFailure(ctx, in, &stateUserID, ReasonIdentityUnavailable)
		return s.redirect("error", ReasonIdentityUnavailable)
	}

	if reason := s.persist(ctx, stateUserID, subject, scopes, token.RefreshToken); reason != "" {
		s.recordFailure(ctx, in, &stateUserID, reason)
		return s.redirect("error", reason)
	}

	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventOAuthConnected,
		IP:        in.IP,
		UserAgent: in.UserAgent,
		RequestID: in.RequestID,
		Metadata:  map[string]any{"user_id": stateUserID.String()},
	})
	return s.redirect("success", "")
}

// persist stores the refresh token, or preserves the existing ciphertext
// when a re-consent grant came back without one. Returns a failure reason
// or "".
func (s *Service) persist(ctx context.Context, userID uuid.UUID, subject string, scopes []string, refreshToken string) string {
	if refreshToken == "" {
		// Re-consent without token reissue: keep the stored ciphertext.
		err := s.store.TouchConnection(ctx, userID, subject, scopes)
		if errors.Is(err, store.ErrNotFound) {
			return ReasonMissingRefreshToken
		}
		if err != nil {
			s.logger.Error("updating connection failed", "error", err)
			return ReasonStorageFailed
		}
		return ""
	}

	encrypted, err := s.keyring.Encrypt([]byte(refreshToken))
	if err != nil {
		s.logger.Error("encrypting refresh token failed", "error", err)
		return ReasonStorageFailed
	}
	err = s.store.UpsertConnection(ctx, store.Connection{
		UserID:        userID,
		GoogleSubject: subject,
		Ciphertext:    encrypted.Ciphertext,
		Nonce:         encrypted.Nonce,
		KeyVersion:    encrypted.KeyVersion,
		Scopes:        scopes,
	})
	if err != nil {
		s.logger.Error("storing connection failed", "error", err)
		return ReasonStorageFailed
	}
	return ""
}

// resolveSubject prefers the id_token's sub claim, falling back to the
// userinfo endpoint with the access token.
func (s *Service) resolveSubject(ctx context.Context, token *oauth2.Token) (string, error) {
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		if sub, err := subjectFromIDToken(idToken); err == nil {
			return sub, nil
		}
	}
	if token.AccessToken == "" {
		return "", errors.New("no id_token and no access token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userinfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling userinfo: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}

	var body struct {
		Sub string `json:"sub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding userinfo: %w", err)
	}
	if body.Sub == "" {
		return "", errors.New("userinfo returned empty sub")
	}
	return body.Sub, nil
}

// subjectFromIDToken decodes the JWT payload segment without verifying the
// signature: the token just arrived over TLS from the provider's token
// endpoint.
func subjectFromIDToken(idToken string) (string, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return "", errors.New("malformed id_token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decoding id_token payload: %w", err)
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return "", fmt.Errorf("parsing id_token claims: %w", err)
	}
	if claims.Sub == "" {
		return "", errors.New("id_token missing sub")
	}
	return claims.Sub, nil
}

func decodeState(state string) (statePayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		// Some clients pad; accept standard url encoding too.
		raw, err = base64.URLEncoding.DecodeString(state)
		if err != nil {
			return statePayload{}, fmt.Errorf("decoding state: %w", err)
		}
	}
	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return statePayload{}, fmt.Errorf("parsing state: %w", err)
	}
	if payload.UserID == "" || payload.SessionToken == "" {
		return statePayload{}, errors.New("state missing required fields")
	}
	return payload, nil
}

// mapProviderError translates the provider's error query parameter.
func mapProviderError(providerError string) string {
	switch providerError {
	case "access_denied":
		return ReasonConsentRevoked
	case "invalid_client":
		return ReasonClientMisconfigured
	default:
		return ReasonProviderUnavailable
	}
}

// mapExchangeError translates a token-endpoint failure.
func mapExchangeError(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant":
			return ReasonExpiredOAuthCode
		case "invalid_client":
			return ReasonClientMisconfigured
		case "access_denied":
			return ReasonConsentRevoked
		}
	}
	return ReasonProviderUnavailable
}

func grantedScopes(token *oauth2.Token) []string {
	raw, _ := token.Extra("scope").(string)
	return strings.Fields(raw)
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func (s *Service) recordFailure(ctx context.Context, in CallbackInput, userID *uuid.UUID, reason string) {
	metadata := map[string]any{"reason": reason}
	if userID != nil {
		metadata["user_id"] = userID.String()
	}
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventOAuthFailed,
		IP:        in.IP,
		UserAgent: in.UserAgent,
		RequestID: in.RequestID,
		Metadata:  metadata,
	})
}

// redirect builds the settings-page redirect URL.
func (s *Service) redirect(status, reason string) string {
	values := url.Values{"drive_connect": {status}}
	if reason != "" {
		values.Set("reason", reason)
	}
	return s.ownerAppURL + "/settings?" + values.Encode()
}
