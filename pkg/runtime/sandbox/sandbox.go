// Package sandbox provides an optional hardened execution path for
// binary-kind units whose entrypoint is a WebAssembly module, used in
// place of the unit executor's raw subprocess for those units (spec
// §4.9): units.Executor still performs approval, grant, kind-whitelist,
// trust, and TOCTOU-rehash checks before any byte reaches this package.
// A Sandbox never itself decides trust or permissions — it only confines
// execution of bytes the caller has already verified.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Sandbox isolates execution of pre-verified binary content. RunBytes
// never trusts content or wasmBytes beyond what the caller has already
// hashed and approved.
type Sandbox interface {
	// RunBytes executes wasmBytes with input on stdin, returning stdout.
	RunBytes(ctx context.Context, wasmBytes []byte, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Config configures sandbox resource limits. It deliberately has no
// NetworkEnabled field — the sandbox is always network-deny; egress for
// sandboxed units, like every other unit, goes through the pack's own
// egress UDS socket (C10), never through ambient sandbox authority.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// InProcessSandbox is a developer-mode stand-in that does not actually
// confine anything. It exists so local development and unit tests that
// don't care about isolation don't need wazero wired up.
//
// WARNING: NOT SECURE. Never select this sandbox when SecurityMode is
// strict.
type InProcessSandbox struct{}

func NewInProcessSandbox() *InProcessSandbox {
	return &InProcessSandbox{}
}

func (s *InProcessSandbox) RunBytes(ctx context.Context, wasmBytes []byte, input []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return append([]byte("echo: "), input...), nil
	}
}

func (s *InProcessSandbox) Close(ctx context.Context) error { return nil }

// WasiSandbox enforces deny-by-default confinement using wazero: no
// filesystem mounts, no network, no ambient env vars, memory capped in
// 64KB pages, wall-clock capped via context deadline.
type WasiSandbox struct {
	runtime wazero.Runtime
	config  Config
}

// NewWasiSandbox creates a WASI sandbox with the given resource limits.
func NewWasiSandbox(ctx context.Context, config Config) (*WasiSandbox, error) {
	rConfig := wazero.NewRuntimeConfig()
	if config.MemoryLimitBytes > 0 {
		pages := uint32(config.MemoryLimitBytes / 65536) // 64KB per page
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &WasiSandbox{runtime: r, config: config}, nil
}

// OutputMaxBytes bounds stdout+stderr captured from one execution.
const OutputMaxBytes = 1024 * 1024

// RunBytes compiles and instantiates wasmBytes, feeding input on stdin
// and returning stdout. No filesystem, network, or env vars are wired
// into the module config — deny-by-default.
func (s *WasiSandbox) RunBytes(ctx context.Context, wasmBytes []byte, input []byte) ([]byte, error) {
	execCtx := ctx
	if s.config.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.config.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("rumi-unit-sandbox")

	compiled, err := s.runtime.CompileModule(execCtx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module: %w", err)
	}
	defer func() { _ = compiled.Close(execCtx) }()

	mod, err := s.runtime.InstantiateModule(execCtx, compiled, modCfg)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, &SandboxError{
				Code:    ErrComputeTimeExhausted,
				Message: fmt.Sprintf("execution exceeded time limit (%s)", s.config.CPUTimeLimit),
			}
		}
		if isMemoryError(err) {
			return nil, &SandboxError{
				Code:    ErrComputeMemoryExhausted,
				Message: fmt.Sprintf("execution exceeded memory limit (%d bytes)", s.config.MemoryLimitBytes),
			}
		}
		return nil, fmt.Errorf("sandbox: execution failed: %w", err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return nil, &SandboxError{
			Code:    ErrComputeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", stdout.Len()+stderr.Len(), OutputMaxBytes),
		}
	}
	if stderr.Len() > 0 {
		return stdout.Bytes(), fmt.Errorf("sandbox: stderr output: %s", stderr.String())
	}

	return stdout.Bytes(), nil
}

func (s *WasiSandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// Deterministic error codes for sandbox limit violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// SandboxError is a deterministic, typed error for sandbox limit violations.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strContains(msg, "memory") && (strContains(msg, "limit") || strContains(msg, "grow") || strContains(msg, "exceeded"))
}

func strContains(s, substr string) bool {
	return len(s) >= len(substr) && strSearch(s, substr)
}

func strSearch(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
