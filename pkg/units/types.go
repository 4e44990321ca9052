// Package units implements the Unit Executor (C9): the same
// approval/trust/grant gate sequence as the capability executor, but for
// versioned units addressed by (store_id, unit_id, version), with an
// additional kind whitelist and a TOCTOU-safe re-hash-before-execute step
// for python/binary units.
package units

// Kind is a unit's executable shape.
type Kind string

const (
	KindData   Kind = "data"
	KindPython Kind = "python"
	KindBinary Kind = "binary"
)

// Mode is a requested execution mode, checked against a unit's
// exec_modes_allowed.
type Mode string

const (
	ModeHostCapability Mode = "host_capability"
	ModePackContainer  Mode = "pack_container"
	ModeSandbox        Mode = "sandbox"
)

// Ref addresses one unit within a store.
type Ref struct {
	StoreID string `json:"store_id"`
	UnitID  string `json:"unit_id"`
	Version string `json:"version"`
}

// Meta is a unit's on-disk manifest, loaded from
// <store_root>/<unit_id>/<version>/unit.json.
type Meta struct {
	UnitID            string   `json:"unit_id"`
	Version           string   `json:"version"`
	Kind              Kind     `json:"kind"`
	Entrypoint        string   `json:"entrypoint,omitempty"`
	ExecModesAllowed  []string `json:"exec_modes_allowed"`
	PermissionID      string   `json:"permission_id,omitempty"`
	UnitDir           string   `json:"-"`
}

func (m Meta) allowsMode(mode string) bool {
	for _, allowed := range m.ExecModesAllowed {
		if allowed == mode {
			return true
		}
	}
	return false
}

// Response is the outcome of Execute.
type Response struct {
	Success       bool        `json:"success"`
	Output        interface{} `json:"output,omitempty"`
	Error         string      `json:"error,omitempty"`
	ErrorType     string      `json:"error_type,omitempty"`
	ExecutionMode string      `json:"execution_mode"`
	LatencyMs     float64     `json:"latency_ms"`
}
