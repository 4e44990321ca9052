package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const maxResponseSize = 1 * 1024 * 1024

// runnerContext is the first stdin field: everything the handler needs
// about the calling principal and the grant it was executed under.
type runnerContext struct {
	PrincipalID  string                 `json:"principal_id"`
	PermissionID string                 `json:"permission_id"`
	HandlerID    string                 `json:"handler_id"`
	GrantConfig  map[string]interface{} `json:"grant_config"`
	RequestID    string                 `json:"request_id"`
	TS           string                 `json:"ts"`
}

type runnerInput struct {
	Context runnerContext          `json:"context"`
	Args    map[string]interface{} `json:"args"`
}

// subprocessOutcome is the internal result of running a handler
// subprocess, translated into a Response by the caller.
type subprocessOutcome struct {
	output    interface{}
	errorType string
	errMsg    string
}

// runHandlerSubprocess writes a generated Python runner to a temp file,
// feeds it {context, args} on stdin (never on the command line, so
// arguments never leak via process listings), and parses its bounded
// stdout. The runner and its working directory discipline are grounded
// on the teacher's StdioMCPClient stdin-pipe technique, generalized to
// a full request/response round trip with a hard wall-clock timeout.
func runHandlerSubprocess(ctx context.Context, def HandlerDefinition, in runnerInput, timeout time.Duration) subprocessOutcome {
	epFile, epFunc := splitEntrypoint(def.Entrypoint)
	handlerPyPath := def.HandlerPyPath
	_ = epFile // already folded into HandlerPyPath at registry load time

	runnerFile, err := writeRunnerScript(handlerPyPath, epFunc)
	if err != nil {
		return subprocessOutcome{errorType: "internal_error", errMsg: "failed to prepare runner: " + err.Error()}
	}
	defer os.Remove(runnerFile)

	inputJSON, err := json.Marshal(in)
	if err != nil {
		return subprocessOutcome{errorType: "internal_error", errMsg: "failed to marshal subprocess input: " + err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "python3", runnerFile)
	cmd.Dir = def.HandlerDir
	cmd.Stdin = bytes.NewReader(inputJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return subprocessOutcome{errorType: "timeout", errMsg: "handler execution timed out"}
	}
	if runErr != nil {
		return subprocessOutcome{errorType: "handler_error", errMsg: "handler execution failed"}
	}

	if stdout.Len() > maxResponseSize {
		return subprocessOutcome{errorType: "response_too_large", errMsg: "response too large"}
	}

	trimmed := bytes.TrimSpace(stdout.Bytes())
	if len(trimmed) == 0 {
		return subprocessOutcome{output: nil}
	}

	var parsed interface{}
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return subprocessOutcome{output: string(trimmed)}
	}
	return subprocessOutcome{output: parsed}
}

func splitEntrypoint(entrypoint string) (file, fn string) {
	for i := len(entrypoint) - 1; i >= 0; i-- {
		if entrypoint[i] == ':' {
			return entrypoint[:i], entrypoint[i+1:]
		}
	}
	return entrypoint, "execute"
}

func writeRunnerScript(handlerPyPath, funcName string) (string, error) {
	safePath, err := json.Marshal(handlerPyPath)
	if err != nil {
		return "", err
	}
	safeFunc, err := json.Marshal(funcName)
	if err != nil {
		return "", err
	}

	script := fmt.Sprintf(runnerTemplate, string(safePath), string(safeFunc))

	f, err := os.CreateTemp("", "rumi-runner-*.py")
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

const runnerTemplate = `
import sys
import json
import importlib.util


def main():
    import os
    cwd = os.getcwd()
    if cwd not in sys.path:
        sys.path.append(cwd)

    handler_path = %s
    func_name = %s

    input_text = sys.stdin.read()
    try:
        input_data = json.loads(input_text)
    except json.JSONDecodeError:
        print(json.dumps({"error": "Invalid input JSON", "error_type": "json_error"}))
        sys.exit(1)

    context = input_data.get("context", {})
    args = input_data.get("args", {})

    spec = importlib.util.spec_from_file_location("handler_module", handler_path)
    if spec is None or spec.loader is None:
        print(json.dumps({"error": "Cannot load handler module", "error_type": "load_error"}))
        sys.exit(1)

    module = importlib.util.module_from_spec(spec)
    sys.modules["handler_module"] = module
    spec.loader.exec_module(module)

    fn = getattr(module, func_name, None)
    if fn is None:
        print(json.dumps({"error": "Function not found: " + func_name, "error_type": "func_not_found"}))
        sys.exit(1)

    try:
        result = fn(context, args)
    except Exception as e:
        print(json.dumps({"error": str(e), "error_type": type(e).__name__}))
        sys.exit(1)

    if result is not None:
        try:
            print(json.dumps(result, ensure_ascii=False, default=str))
        except Exception:
            print(json.dumps({"error": "Result is not JSON serializable", "error_type": "serialize_error"}))
            sys.exit(1)


if __name__ == "__main__":
    main()
`
