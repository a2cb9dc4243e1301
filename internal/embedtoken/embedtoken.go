// Package embedtoken implements the stateless signed capability that the
// widget presents instead of a logged-in session.
//
// Wire format: base64url(JSON payload) + "." + base64url(HMAC-SHA256 over
// the encoded payload). The token binds a project and the exact origin it
// was issued for; it carries no server-side state.
package embedtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the payload version tag. Verification rejects anything else.
const Version = 1

var (
	// ErrInvalidToken indicates a structurally malformed token or a
	// signature mismatch. The two cases are deliberately indistinguishable.
	ErrInvalidToken = errors.New("invalid embed token")

	// ErrExpiredToken indicates a well-signed token past its expiry.
	ErrExpiredToken = errors.New("expired embed token")
)

// Payload is the signed token body.
type Payload struct {
	Version       int    `json:"v"`
	ProjectID     string `json:"project_id"`
	ProjectHandle string `json:"project_handle"`
	Origin        string `json:"origin"`
	IssuedAt      int64  `json:"iat"`
	ExpiresAt     int64  `json:"exp"`
	TokenID       string `json:"jti"`
}

// Signer mints and verifies embed tokens with a shared HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. The secret must not be empty.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("embed token signing secret is required")
	}
	return &Signer{secret: secret}, nil
}

// Mint signs a token for the given project and canonical origin, valid for
// ttl from now. Each token gets a random jti for audit correlation.
func (s *Signer) Mint(projectID, projectHandle, canonicalOrigin string, now time.Time, ttl time.Duration) (token string, payload Payload, err error) {
	payload = Payload{
		Version:       Version,
		ProjectID:     projectID,
		ProjectHandle: projectHandle,
		Origin:        canonicalOrigin,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(ttl).Unix(),
		TokenID:       uuid.NewString(),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", Payload{}, fmt.Errorf("encoding token payload: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + s.sign(encoded), payload, nil
}

// Verify checks the signature and expiry of a token and returns its payload.
// The signature comparison is constant time.
func (s *Signer) Verify(token string, now time.Time) (Payload, error) {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || signature == "" {
		return Payload{}, ErrInvalidToken
	}

	if !hmac.Equal([]byte(s.sign(encoded)), []byte(signature)) {
		return Payload{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, ErrInvalidToken
	}
	if payload.Version != Version ||
		payload.ProjectID == "" ||
		payload.ProjectHandle == "" ||
		payload.Origin == "" ||
		payload.TokenID == "" {
		return Payload{}, ErrInvalidToken
	}

	if now.Unix() >= payload.ExpiresAt {
		return Payload{}, ErrExpiredToken
	}
	return payload, nil
}

func (s *Signer) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
