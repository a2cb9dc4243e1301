// Package authn verifies owner sessions. Project owners authenticate against
// the dashboard's identity service; this service only ever sees their bearer
// token and asks the identity service who it belongs to.
package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthenticated indicates a missing, malformed, or rejected session
// token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier resolves a bearer session token to the owning user id.
type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (uuid.UUID, error)
}

// HTTPVerifier verifies sessions against the identity service's user
// endpoint.
type HTTPVerifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPVerifier creates a verifier for the identity service at baseURL.
func NewHTTPVerifier(baseURL, apiKey string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify calls the identity service and returns the session's user id.
// Any 4xx from the identity service maps to ErrUnauthenticated.
func (v *HTTPVerifier) Verify(ctx context.Context, bearerToken string) (uuid.UUID, error) {
	if bearerToken == "" {
		return uuid.Nil, ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("building identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("calling identity service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return uuid.Nil, ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		return uuid.Nil, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return uuid.Nil, fmt.Errorf("decoding identity response: %w", err)
	}

	userID, err := uuid.Parse(body.ID)
	if err != nil {
		return uuid.Nil, ErrUnauthenticated
	}
	return userID, nil
}
