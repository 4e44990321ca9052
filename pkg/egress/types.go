// Package egress implements the per-pack UDS egress proxy (C10): a
// length-prefixed JSON protocol over a unix socket, gating outbound HTTP
// from pack code behind internal-IP/DNS-rebind checks, a domain
// allow/blocklist, a per-pack rate limit, and a network grant.
package egress

import "time"

// ALLOWED_METHODS, header and redirect limits (grounded on spec §4.10 and
// the original's egress_protocol.py constants).
const (
	MaxHeaderCount      = 64
	MaxHeaderNameLen    = 256
	MaxHeaderValueLen   = 8192
	MaxRedirectHops     = 3
	MaxResponseBytes    = 10 * 1024 * 1024
	ResponseReadChunk   = 64 * 1024
	DefaultTimeout      = 30 * time.Second
	MaxTimeout          = 120 * time.Second
	DefaultRateLimit    = 60
	RateLimitWindow     = 60 * time.Second
	SocketModeDefault   = 0o660
	SocketModePermissive = 0o666
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

func isAllowedMethod(m string) bool {
	return allowedMethods[m]
}

// Request is the payload a pack sends down its UDS socket.
type Request struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"` // base64, matching the original's wire encoding
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
}

// Response is returned down the same socket.
type Response struct {
	Success      bool              `json:"success"`
	StatusCode   int               `json:"status_code,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"` // base64
	Error        string            `json:"error,omitempty"`
	ErrorType    string            `json:"error_type,omitempty"`
	LatencyMs    float64           `json:"latency_ms"`
	RedirectHops int               `json:"redirect_hops"`
	BytesRead    int64             `json:"bytes_read"`
	FinalURL     string            `json:"final_url,omitempty"`
}

func errorResponse(errType, msg string) Response {
	return Response{Success: false, Error: msg, ErrorType: errType}
}
