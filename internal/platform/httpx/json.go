package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrBodyTooLarge is returned by DecodeJSON when the body exceeds the limit.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrEmptyBody is returned by DecodeJSON when a body is required but missing.
	ErrEmptyBody = errors.New("request body is required")
)

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON reads at most limit bytes and decodes them into dst, rejecting unknown fields.
// An empty body is allowed when optional is true.
func DecodeJSON(r *http.Request, limit int64, dst any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return ErrEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	if strings.TrimSpace(string(data)) == "" {
		if optional {
			return nil
		}
		return ErrEmptyBody
	}
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("request body must be valid JSON: %w", err)
	}
	return nil
}

// WriteDecodeError maps DecodeJSON failures onto 400/413 envelopes.
func WriteDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	WriteError(r.Context(), w, NewError("invalid_request", err.Error(), status))
}
