// Package api implements the HTTP control plane's uniform JSON
// envelopes and shared middleware (spec §4.11).
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Envelope is the uniform response shape for every route: {success,
// data|error}. Internal faults never reach the wire verbatim — they are
// logged and replaced with the constant "Internal server error".
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteSuccess writes a 200 envelope wrapping data.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// WriteError writes an error envelope at the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Envelope{Success: false, Error: msg})
}

// WriteBadRequest writes a 400 error envelope.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, detail)
}

// WriteUnauthorized writes a 401 error envelope.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, detail)
}

// WriteForbidden writes a 403 error envelope.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, detail)
}

// WriteNotFound writes a 404 error envelope.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, detail)
}

// WriteMethodNotAllowed writes a 405 error envelope.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// WriteConflict writes a 409 error envelope (used for idempotency).
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, detail)
}

// WriteTooLarge writes a 413 error envelope.
func WriteTooLarge(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusRequestEntityTooLarge, detail)
}

// WriteTooManyRequests writes a 429 error envelope with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// WriteServiceUnavailable writes a 503 error envelope.
func WriteServiceUnavailable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusServiceUnavailable, detail)
}

// WriteInternal logs err to audit-adjacent structured logging and
// writes the constant "Internal server error" — err is never exposed
// to the client (spec §4.11).
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal server error")
}
