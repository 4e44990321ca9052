package auth

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// maxClientRequestIDLen and requestIDPattern bound what a caller-supplied
// X-Request-ID may look like. This kernel's callers are pack-adjacent
// tooling, not a trusted first-party frontend, so an inbound request ID
// is treated the same as any other untrusted input: reject anything
// that could smuggle a header/log-line injection or blow up audit
// storage, and fall back to a freshly generated ID instead.
const maxClientRequestIDLen = 128

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// RequestIDMiddleware injects an X-Request-ID into every request's
// context and response header, reusing a client-supplied value only if
// it passes requestIDPattern.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if !isValidClientRequestID(requestID) {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isValidClientRequestID(id string) bool {
	if id == "" || len(id) > maxClientRequestIDLen {
		return false
	}
	return requestIDPattern.MatchString(id)
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
