package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/embedkb/embedkb/internal/apperr"
)

const apiVersion = "v1"

// envelope is the wire shape of every JSON response.
type envelope struct {
	APIVersion string     `json:"api_version"`
	RequestID  string     `json:"request_id"`
	Data       any        `json:"data,omitempty"`
	Error      *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, r, status, envelope{
		APIVersion: apiVersion,
		RequestID:  requestIDFrom(r.Context()),
		Data:       data,
	})
}

// writeError translates err into the error envelope. Policy denials carrying
// a backoff hint additionally get retry-after and x-trace-id headers.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	appErr := apperr.From(err)
	if appErr.Status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"path", r.URL.Path, "code", appErr.Code, "error", err)
	}

	if appErr.RetryAfter > 0 {
		seconds := int(math.Ceil(appErr.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		w.Header().Set("X-Trace-Id", traceIDFrom(r.Context()))
	}

	writeJSON(w, r, appErr.Status, envelope{
		APIVersion: apiVersion,
		RequestID:  requestIDFrom(r.Context()),
		Error: &errorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
			Details:   appErr.Details,
		},
	})
}

// writeJSON encodes into a buffer first so an encoding failure cannot leave
// a half-written body behind a 200 status line.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, body envelope) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		http.Error(w, `{"error":{"code":"internal_error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestIDFrom(r.Context()))
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
