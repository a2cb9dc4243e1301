// Package drive wraps the Google Drive v3 API for ingestion: refresh-grant
// token sources, plain-text exports, and size-capped raw downloads.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// Export MIME types.
const (
	ExportMimeText = "text/plain"
	ExportMimePDF  = "application/pdf"
)

// ErrFileTooLarge indicates a download over the configured byte ceiling.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// Config carries the OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// OAuthConfig builds the oauth2 config used for both the consent code
// exchange and refresh-token grants.
func OAuthConfig(cfg Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			drivev3.DriveReadonlyScope,
			"openid",
			"https://www.googleapis.com/auth/userinfo.email",
		},
	}
}

// Client is a Drive API client acting as one connected user.
type Client struct {
	svc *drivev3.Service
}

// NewClient builds a Drive client from a stored refresh token. The token
// source exchanges it for short-lived access tokens on demand.
func NewClient(ctx context.Context, cfg Config, refreshToken string) (*Client, error) {
	ts := OAuthConfig(cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	svc, err := drivev3.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// ExportText exports a Google Workspace file as plain text.
func (c *Client) ExportText(ctx context.Context, fileID string) (string, error) {
	data, err := c.export(ctx, fileID, ExportMimeText)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExportPDF exports a Google Workspace file as PDF bytes. Used as the
// fallback for presentations whose text export comes back empty.
func (c *Client) ExportPDF(ctx context.Context, fileID string) ([]byte, error) {
	return c.export(ctx, fileID, ExportMimePDF)
}

func (c *Client) export(ctx context.Context, fileID, mimeType string) ([]byte, error) {
	resp, err := c.svc.Files.Export(fileID, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("exporting file %s as %s: %w", fileID, mimeType, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}
	return data, nil
}

// Download fetches a file's raw bytes, rejecting anything over maxBytes.
func (c *Client) Download(ctx context.Context, fileID string, maxBytes int) ([]byte, error) {
	resp, err := c.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("downloading file %s: %w", fileID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("reading download: %w", err)
	}
	if len(data) > maxBytes {
		return nil, fmt.Errorf("%w: file %s over %d bytes", ErrFileTooLarge, fileID, maxBytes)
	}
	return data, nil
}
