package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopcore/api/internal/platform/requestctx"
)

// Error is the JSON error envelope returned by every endpoint.
type Error struct {
	Code      string
	Text      string
	Message   string
	Status    int
	RequestID string
	Details   map[string]any
}

// NewError constructs an Error; a zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// WithRequestID overrides the request id reported in the envelope.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = sanitize(id, 80)
	return e
}

// WithText reports text in the error field and moves the code to a separate code field.
func (e Error) WithText(text string) Error {
	e.Text = sanitize(text, 512)
	return e
}

// WithDetails merges extra top-level fields into the envelope. Reserved keys are ignored.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError renders err, filling request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	payload := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		payload[k] = v
	}
	if err.Text != "" {
		payload["error"] = err.Text
		payload["code"] = err.Code
	} else {
		payload["error"] = err.Code
	}
	payload["message"] = err.Message
	payload["status"] = status

	requestID := err.RequestID
	if requestID == "" {
		requestID = sanitize(requestctx.RequestID(ctx), 80)
	}
	if requestID != "" {
		payload["requestId"] = requestID
	}
	if traceID := requestctx.TraceID(ctx); traceID != "" {
		payload["traceId"] = traceID
	}
	WriteJSON(w, status, payload)
}

func sanitize(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
