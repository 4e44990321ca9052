package units

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rumi-ai/kernel/pkg/approval"
	"github.com/rumi-ai/kernel/pkg/audit"
	"github.com/rumi-ai/kernel/pkg/crypto"
	"github.com/rumi-ai/kernel/pkg/grants"
	"github.com/rumi-ai/kernel/pkg/observability"
	"github.com/rumi-ai/kernel/pkg/runtime/sandbox"
	"github.com/rumi-ai/kernel/pkg/store"
	"github.com/rumi-ai/kernel/pkg/trust"
)

// wasmEntrypointSuffix marks a binary unit as eligible for the hardened
// WASI sandbox path instead of a raw host subprocess.
const wasmEntrypointSuffix = ".wasm"

const (
	defaultTimeout  = 60 * time.Second
	maxTimeout      = 300 * time.Second
	maxResponseSize = 1 * 1024 * 1024
)

// Executor is the unit execute(principal_id, unit_ref, mode, args)
// pipeline (C9).
type Executor struct {
	approvalMgr *approval.Manager
	storeReg    *store.Registry
	unitReg     *Registry
	grantMgr    *grants.Manager
	trustStore  *trust.Store
	auditLog    audit.Logger

	// wasmSandbox, when set, is used instead of a raw host subprocess
	// for binary units whose entrypoint ends in ".wasm". It never
	// changes which exec modes are accepted (pack_container and sandbox
	// remain mode_not_implemented) — it only hardens the host_capability
	// dispatch path for a specific entrypoint shape.
	wasmSandbox sandbox.Sandbox
}

// SetWasmSandbox wires an optional hardened execution path for
// ".wasm"-entrypoint binary units. Leaving it unset preserves the
// default raw-subprocess behavior for every binary unit.
func (e *Executor) SetWasmSandbox(sb sandbox.Sandbox) {
	e.wasmSandbox = sb
}

func NewExecutor(approvalMgr *approval.Manager, storeReg *store.Registry, grantMgr *grants.Manager, trustStore *trust.Store, auditLog audit.Logger) *Executor {
	return &Executor{
		approvalMgr: approvalMgr,
		storeReg:    storeReg,
		unitReg:     NewRegistry(),
		grantMgr:    grantMgr,
		trustStore:  trustStore,
		auditLog:    auditLog,
	}
}

// Execute runs the full unit-execution gate sequence: approval, store
// and unit resolution, mode whitelist, hierarchical grant, kind
// whitelist, trust check, TOCTOU-safe re-hash, then dispatch.
func (e *Executor) Execute(ctx context.Context, principalID string, ref Ref, mode string, args map[string]interface{}, timeoutSeconds float64) Response {
	ctx, span := observability.StartExecution(ctx, "unit.execute", principalID, ref.UnitID)
	resp := e.execute(ctx, principalID, ref, mode, args, timeoutSeconds)
	observability.EndExecution(span, resp.Success, resp.LatencyMs, resp.ErrorType)
	return resp
}

func (e *Executor) execute(ctx context.Context, principalID string, ref Ref, mode string, args map[string]interface{}, timeoutSeconds float64) Response {
	start := time.Now()

	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		t := time.Duration(timeoutSeconds * float64(time.Second))
		if t > maxTimeout {
			t = maxTimeout
		}
		timeout = t
	}

	if principalID == "" {
		return e.denied(start, mode, principalID, ref, "Missing principal_id", "invalid_request")
	}
	if ref.StoreID == "" || ref.UnitID == "" || ref.Version == "" {
		return e.denied(start, mode, principalID, ref, "Missing store_id, unit_id, or version", "invalid_request")
	}

	ok, reason := e.approvalMgr.IsPackApprovedAndVerified(principalID)
	if !ok {
		return e.denied(start, mode, principalID, ref, "Pack not approved: "+reason, "approval_denied")
	}

	storeRoot, err := e.storeReg.GetStoreRootPath(ctx, ref.StoreID)
	if err != nil {
		return e.denied(start, mode, principalID, ref, "Store not found: "+ref.StoreID, "store_not_found")
	}

	unitMeta, err := e.unitReg.GetUnitByRef(storeRoot, ref)
	if err != nil {
		return e.denied(start, mode, principalID, ref, fmt.Sprintf("Unit not found: %s v%s", ref.UnitID, ref.Version), "unit_not_found")
	}

	if !unitMeta.allowsMode(mode) {
		return e.denied(start, mode, principalID, ref, fmt.Sprintf("Mode %q not in exec_modes_allowed", mode), "mode_not_allowed")
	}

	if unitMeta.PermissionID != "" {
		grantResult := e.grantMgr.Check(principalID, unitMeta.PermissionID)
		if !grantResult.Allowed {
			return e.denied(start, mode, principalID, ref, "Permission denied: "+grantResult.Reason, "grant_denied")
		}
	}

	switch unitMeta.Kind {
	case KindData, KindPython, KindBinary:
	default:
		return e.denied(start, mode, principalID, ref, "Unknown kind: "+string(unitMeta.Kind), "unknown_kind")
	}

	var verifiedContent []byte
	if unitMeta.Kind == KindPython || unitMeta.Kind == KindBinary {
		if unitMeta.Entrypoint == "" {
			return e.denied(start, mode, principalID, ref, "No entrypoint for executable unit", "missing_entrypoint")
		}

		trustSHA256, err := e.unitReg.ComputeEntrypointSHA256(unitMeta.UnitDir, unitMeta.Entrypoint)
		if err != nil {
			return e.denied(start, mode, principalID, ref, "Failed to compute entrypoint sha256", "trust_error")
		}

		kind := trust.KindPython
		if unitMeta.Kind == KindBinary {
			kind = trust.KindBinary
		}
		// Use the manifest's own version, not ref.Version: a "latest"
		// ref resolves to a concrete on-disk version, but the trust
		// allowlist is keyed by that concrete version.
		trustResult := e.trustStore.IsTrusted(ref.UnitID, unitMeta.Version, trustSHA256, kind)
		if !trustResult.Trusted {
			return e.denied(start, mode, principalID, ref, "Unit trust denied: "+trustResult.Reason, "trust_denied")
		}

		// TOCTOU-safe re-verify: read the exact bytes that will run and
		// re-hash them against the already-confirmed trust digest (I3).
		epPath := filepath.Join(unitMeta.UnitDir, unitMeta.Entrypoint)
		content, err := os.ReadFile(epPath)
		if err != nil {
			return e.denied(start, mode, principalID, ref, "Failed to read entrypoint for TOCTOU verification", "toctou_read_error")
		}
		if crypto.ComputeBytesSHA256(content) != trustSHA256 {
			return e.denied(start, mode, principalID, ref, "Entrypoint content changed after trust check (TOCTOU detected)", "toctou_mismatch")
		}

		if unitMeta.Kind == KindBinary && runtime.GOOS != "windows" {
			info, err := os.Stat(epPath)
			if err != nil {
				return e.denied(start, mode, principalID, ref, "Failed to stat entrypoint for security check", "internal_error")
			}
			if info.Mode()&(os.ModeSetuid|os.ModeSetgid) != 0 {
				return e.denied(start, mode, principalID, ref, "Entrypoint has setuid/setgid bits set", "security_violation")
			}
		}

		verifiedContent = content
	}

	var resp Response
	switch Mode(mode) {
	case ModeHostCapability:
		resp = e.executeHostCapability(ctx, unitMeta, args, timeout, start, verifiedContent)
	case ModePackContainer:
		resp = Response{Success: false, Error: "Mode 'pack_container' is not yet implemented", ErrorType: "mode_not_implemented", ExecutionMode: mode}
	case ModeSandbox:
		resp = Response{Success: false, Error: "Mode 'sandbox' is not yet implemented", ErrorType: "mode_not_implemented", ExecutionMode: mode}
	default:
		resp = Response{Success: false, Error: "Unknown mode: " + mode, ErrorType: "invalid_request", ExecutionMode: mode}
	}
	resp.LatencyMs = elapsedMs(start)

	e.audit(principalID, ref, mode, resp)
	return resp
}

func (e *Executor) executeHostCapability(ctx context.Context, unitMeta *Meta, args map[string]interface{}, timeout time.Duration, start time.Time, verifiedContent []byte) Response {
	switch unitMeta.Kind {
	case KindPython:
		return e.executePythonHost(ctx, unitMeta, args, timeout, verifiedContent)
	case KindBinary:
		return e.executeBinaryHost(ctx, unitMeta, args, timeout, verifiedContent)
	default:
		return Response{Success: false, Error: "host_capability does not support kind=" + string(unitMeta.Kind), ErrorType: "unsupported_kind", ExecutionMode: string(ModeHostCapability)}
	}
}

func (e *Executor) executePythonHost(ctx context.Context, unitMeta *Meta, args map[string]interface{}, timeout time.Duration, verifiedContent []byte) Response {
	verifiedFile, err := writeVerifiedCopy(verifiedContent, ".py")
	if err != nil {
		return Response{Success: false, Error: "Failed to create verified entrypoint temp file", ErrorType: "internal_error", ExecutionMode: string(ModeHostCapability)}
	}
	defer os.Remove(verifiedFile)

	runnerFile, err := writeUnitRunner(verifiedFile)
	if err != nil {
		return Response{Success: false, Error: "Failed to prepare runner", ErrorType: "internal_error", ExecutionMode: string(ModeHostCapability)}
	}
	defer os.Remove(runnerFile)

	inputJSON, _ := json.Marshal(map[string]interface{}{"args": args})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "python3", runnerFile)
	cmd.Dir = unitMeta.UnitDir
	cmd.Stdin = bytes.NewReader(inputJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	return interpretSubprocessResult(runCtx, runErr, stdout, timeout)
}

func (e *Executor) executeBinaryHost(ctx context.Context, unitMeta *Meta, args map[string]interface{}, timeout time.Duration, verifiedContent []byte) Response {
	if e.wasmSandbox != nil && strings.HasSuffix(unitMeta.Entrypoint, wasmEntrypointSuffix) {
		return e.executeWasmSandboxed(ctx, args, timeout, verifiedContent)
	}

	verifiedFile, err := writeVerifiedCopy(verifiedContent, "")
	if err != nil {
		return Response{Success: false, Error: "Failed to create verified binary temp file", ErrorType: "internal_error", ExecutionMode: string(ModeHostCapability)}
	}
	defer os.Remove(verifiedFile)

	inputJSON, _ := json.Marshal(map[string]interface{}{"args": args})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, verifiedFile)
	cmd.Dir = unitMeta.UnitDir
	cmd.Stdin = bytes.NewReader(inputJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	return interpretSubprocessResult(runCtx, runErr, stdout, timeout)
}

// executeWasmSandboxed runs a ".wasm"-entrypoint binary unit through the
// hardened wazero sandbox instead of a raw host subprocess. Still
// dispatched under exec mode host_capability — this is a safer
// execution technique for one entrypoint shape, not a new exec mode.
func (e *Executor) executeWasmSandboxed(ctx context.Context, args map[string]interface{}, timeout time.Duration, verifiedContent []byte) Response {
	inputJSON, _ := json.Marshal(map[string]interface{}{"args": args})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, err := e.wasmSandbox.RunBytes(runCtx, verifiedContent, inputJSON)
	if runCtx.Err() == context.DeadlineExceeded {
		return Response{Success: false, Error: fmt.Sprintf("Timed out after %s", timeout), ErrorType: "timeout", ExecutionMode: string(ModeHostCapability)}
	}
	if err != nil {
		return Response{Success: false, Error: "Unit execution failed", ErrorType: "execution_error", ExecutionMode: string(ModeHostCapability)}
	}
	if len(stdout) > maxResponseSize {
		return Response{Success: false, Error: "Response too large", ErrorType: "response_too_large", ExecutionMode: string(ModeHostCapability)}
	}

	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return Response{Success: true, ExecutionMode: string(ModeHostCapability)}
	}
	var parsed interface{}
	if jsonErr := json.Unmarshal(trimmed, &parsed); jsonErr != nil {
		return Response{Success: true, Output: string(trimmed), ExecutionMode: string(ModeHostCapability)}
	}
	return Response{Success: true, Output: parsed, ExecutionMode: string(ModeHostCapability)}
}

func interpretSubprocessResult(runCtx context.Context, runErr error, stdout bytes.Buffer, timeout time.Duration) Response {
	if runCtx.Err() == context.DeadlineExceeded {
		return Response{Success: false, Error: fmt.Sprintf("Timed out after %s", timeout), ErrorType: "timeout", ExecutionMode: string(ModeHostCapability)}
	}
	if runErr != nil {
		return Response{Success: false, Error: "Unit execution failed", ErrorType: "execution_error", ExecutionMode: string(ModeHostCapability)}
	}
	if stdout.Len() > maxResponseSize {
		return Response{Success: false, Error: "Response too large", ErrorType: "response_too_large", ExecutionMode: string(ModeHostCapability)}
	}

	trimmed := bytes.TrimSpace(stdout.Bytes())
	if len(trimmed) == 0 {
		return Response{Success: true, ExecutionMode: string(ModeHostCapability)}
	}
	var parsed interface{}
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return Response{Success: true, Output: string(trimmed), ExecutionMode: string(ModeHostCapability)}
	}
	return Response{Success: true, Output: parsed, ExecutionMode: string(ModeHostCapability)}
}

func writeVerifiedCopy(content []byte, suffix string) (string, error) {
	f, err := os.CreateTemp("", "rumi-verified-*"+suffix)
	if err != nil {
		return "", err
	}
	name := f.Name()
	_, writeErr := f.Write(content)
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(name)
		return "", writeErr
	}
	if closeErr != nil {
		os.Remove(name)
		return "", closeErr
	}
	if err := os.Chmod(name, 0o500); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func writeUnitRunner(entrypointPath string) (string, error) {
	safePath, err := json.Marshal(entrypointPath)
	if err != nil {
		return "", err
	}
	script := fmt.Sprintf(unitRunnerTemplate, string(safePath))

	f, err := os.CreateTemp("", "rumi-unit-runner-*.py")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(script); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

const unitRunnerTemplate = `
import sys, json, importlib.util


def main():
    input_data = json.loads(sys.stdin.read())
    args = input_data.get("args", {})

    spec = importlib.util.spec_from_file_location("unit_module", %s)
    if spec is None or spec.loader is None:
        print(json.dumps({"error": "Cannot load module"}))
        sys.exit(1)

    module = importlib.util.module_from_spec(spec)
    sys.modules["unit_module"] = module
    spec.loader.exec_module(module)

    fn = getattr(module, "execute", None) or getattr(module, "run", None) or getattr(module, "main", None)
    if fn is None:
        print(json.dumps({"error": "No execute/run/main function"}))
        sys.exit(1)

    try:
        result = fn(args)
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)

    if result is not None:
        try:
            print(json.dumps(result, ensure_ascii=False, default=str))
        except Exception:
            print(json.dumps({"error": "Result not serializable"}))
            sys.exit(1)


if __name__ == "__main__":
    main()
`

func (e *Executor) denied(start time.Time, mode, principalID string, ref Ref, errMsg, errType string) Response {
	resp := Response{Success: false, Error: errMsg, ErrorType: errType, ExecutionMode: mode, LatencyMs: elapsedMs(start)}
	e.audit(principalID, ref, mode, resp)
	return resp
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func (e *Executor) audit(principalID string, ref Ref, mode string, resp Response) {
	if e.auditLog == nil {
		return
	}
	e.auditLog.Record(audit.Entry{
		Category:  audit.CategoryPermission,
		Action:    "unit_execute",
		Success:   resp.Success,
		Principal: principalID,
		Details: map[string]interface{}{
			"unit_ref":   ref,
			"mode":       mode,
			"latency_ms": resp.LatencyMs,
			"error_type": resp.ErrorType,
		},
	})
}
