// Package capabilities implements the Capability Executor (C8): a
// verify-then-subprocess pipeline dispatching principal requests to
// file-based handlers by permission_id, gated by trust and grant checks.
package capabilities

// HandlerDefinition is one handler's loaded metadata, keyed uniquely by
// PermissionID across the registry (duplicates are a startup failure).
type HandlerDefinition struct {
	HandlerID     string `json:"handler_id"`
	PermissionID  string `json:"permission_id"`
	Entrypoint    string `json:"entrypoint"` // "handler.py:execute"
	Description   string `json:"description,omitempty"`
	Risk          string `json:"risk,omitempty"`
	IsBuiltin     bool   `json:"is_builtin,omitempty"`
	HandlerDir    string `json:"-"`
	HandlerPyPath string `json:"-"`
	Slug          string `json:"-"`
}

// Response is the outcome of Execute, mirroring the wire shape returned
// to callers across the HTTP control-plane.
type Response struct {
	Success   bool        `json:"success"`
	Output    interface{} `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorType string      `json:"error_type,omitempty"`
	LatencyMs float64     `json:"latency_ms"`
}

// Request is the caller-supplied capability invocation.
type Request struct {
	PermissionID    string                 `json:"permission_id"`
	Args            map[string]interface{} `json:"args,omitempty"`
	TimeoutSeconds  float64                `json:"timeout_seconds,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
}
