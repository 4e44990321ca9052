package capabilities

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rumi-ai/kernel/pkg/crypto"
	"github.com/rumi-ai/kernel/pkg/grants"
	"github.com/rumi-ai/kernel/pkg/trust"
)

func writeHandler(t *testing.T, handlersDir, slug, permissionID, handlerID, pyBody string) string {
	t.Helper()
	dir := filepath.Join(handlersDir, slug)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handler.json"), []byte(`{
		"handler_id": "`+handlerID+`",
		"permission_id": "`+permissionID+`",
		"entrypoint": "handler.py:execute"
	}`), 0o644))
	pyPath := filepath.Join(dir, "handler.py")
	require.NoError(t, os.WriteFile(pyPath, []byte(pyBody), 0o644))
	return pyPath
}

const echoHandlerBody = `def execute(context, args):
    return {"echo": args}
`

func newTestExecutor(t *testing.T, handlersDir string, trustEntries []trust.Entry) (*Executor, *grants.Manager) {
	t.Helper()
	root := t.TempDir()

	trustPath := filepath.Join(root, "trusted_handlers.json")
	if len(trustEntries) > 0 {
		data := `[`
		for i, e := range trustEntries {
			if i > 0 {
				data += ","
			}
			data += `{"id":"` + e.ID + `","sha256":"` + e.SHA256 + `","kind":"` + string(e.Kind) + `"}`
		}
		data += `]`
		require.NoError(t, os.WriteFile(trustPath, []byte(data), 0o644))
	}
	trustStore, err := trust.NewStore(trustPath, false, nil)
	require.NoError(t, err)

	grantMgr, err := grants.NewManager("capabilities", filepath.Join(root, "grants"), root, "", nil)
	require.NoError(t, err)

	return NewExecutor(handlersDir, trustStore, grantMgr, nil, 0), grantMgr
}

func TestExecute_MissingPermissionIDIsInvalidRequest(t *testing.T) {
	handlersDir := t.TempDir()
	exec, _ := newTestExecutor(t, handlersDir, nil)

	resp := exec.Execute(context.Background(), "acme", Request{})
	require.False(t, resp.Success)
	require.Equal(t, "invalid_request", resp.ErrorType)
}

func TestExecute_HandlerNotFoundCollapsesToPermissionDenied(t *testing.T) {
	handlersDir := t.TempDir()
	exec, _ := newTestExecutor(t, handlersDir, nil)

	resp := exec.Execute(context.Background(), "acme", Request{PermissionID: "fs.write"})
	require.False(t, resp.Success)
	require.Equal(t, "handler_not_found", resp.ErrorType)
	require.Equal(t, "Permission denied", resp.Error)
}

func TestExecute_NonBuiltinUntrustedHandlerIsDenied(t *testing.T) {
	handlersDir := t.TempDir()
	writeHandler(t, handlersDir, "echo", "echo.run", "echo-handler", echoHandlerBody)

	exec, _ := newTestExecutor(t, handlersDir, nil) // empty trust store
	resp := exec.Execute(context.Background(), "acme", Request{PermissionID: "echo.run"})
	require.False(t, resp.Success)
	require.Equal(t, "trust_denied", resp.ErrorType)
}

func TestExecute_GrantDeniedWithoutGrantFile(t *testing.T) {
	handlersDir := t.TempDir()
	pyPath := writeHandler(t, handlersDir, "echo", "echo.run", "echo-handler", echoHandlerBody)
	sha, err := crypto.ComputeFileSHA256(pyPath)
	require.NoError(t, err)

	exec, _ := newTestExecutor(t, handlersDir, []trust.Entry{{ID: "echo-handler", SHA256: sha, Kind: trust.KindPython}})
	resp := exec.Execute(context.Background(), "acme", Request{PermissionID: "echo.run"})
	require.False(t, resp.Success)
	require.Equal(t, "grant_denied", resp.ErrorType)
}

func TestExecute_TimeoutIsClampedToMax(t *testing.T) {
	handlersDir := t.TempDir()
	exec, _ := newTestExecutor(t, handlersDir, nil)
	_ = exec

	req := Request{PermissionID: "echo.run", TimeoutSeconds: 1000}
	require.Equal(t, maxTimeout, clampTimeout(req.TimeoutSeconds))
}

func TestExecute_SecretsGetRateLimited(t *testing.T) {
	handlersDir := t.TempDir()
	exec, _ := newTestExecutor(t, handlersDir, nil)
	exec.rateLimit = newSlidingWindowLimiter(1)

	first := exec.Execute(context.Background(), "acme", Request{PermissionID: secretGetPermissionID})
	require.NotEqual(t, "rate_limited", first.ErrorType)

	second := exec.Execute(context.Background(), "acme", Request{PermissionID: secretGetPermissionID})
	require.Equal(t, "rate_limited", second.ErrorType)
}

func TestHandlerRegistry_DuplicatePermissionIDIsFatal(t *testing.T) {
	handlersDir := t.TempDir()
	writeHandler(t, handlersDir, "a", "fs.write", "handler-a", echoHandlerBody)
	writeHandler(t, handlersDir, "b", "fs.write", "handler-b", echoHandlerBody)

	reg := NewHandlerRegistry(handlersDir, nil)
	result := reg.LoadAll()
	require.False(t, result.Success)
	require.False(t, reg.IsLoaded())
}

func TestExecute_ArgsSchemaRejectsInvalidArgs(t *testing.T) {
	handlersDir := t.TempDir()
	pyPath := writeHandler(t, handlersDir, "echo", "echo.run", "echo-handler", echoHandlerBody)
	require.NoError(t, os.WriteFile(filepath.Join(handlersDir, "echo", argsSchemaFile), []byte(`{
		"type": "object",
		"required": ["message"],
		"properties": {"message": {"type": "string"}}
	}`), 0o644))
	sha, err := crypto.ComputeFileSHA256(pyPath)
	require.NoError(t, err)

	exec, grantMgr := newTestExecutor(t, handlersDir, []trust.Entry{{ID: "echo-handler", SHA256: sha, Kind: trust.KindPython}})
	require.NoError(t, grantMgr.GrantPermission("acme", "echo.run", nil))

	resp := exec.Execute(context.Background(), "acme", Request{PermissionID: "echo.run", Args: map[string]interface{}{"wrong_field": 1}})
	require.False(t, resp.Success)
	require.Equal(t, "invalid_request", resp.ErrorType)
}

func TestExecute_ArgsSchemaAllowsValidArgs(t *testing.T) {
	handlersDir := t.TempDir()
	pyPath := writeHandler(t, handlersDir, "echo", "echo.run", "echo-handler", echoHandlerBody)
	require.NoError(t, os.WriteFile(filepath.Join(handlersDir, "echo", argsSchemaFile), []byte(`{
		"type": "object",
		"required": ["message"],
		"properties": {"message": {"type": "string"}}
	}`), 0o644))
	sha, err := crypto.ComputeFileSHA256(pyPath)
	require.NoError(t, err)

	exec, grantMgr := newTestExecutor(t, handlersDir, []trust.Entry{{ID: "echo-handler", SHA256: sha, Kind: trust.KindPython}})
	require.NoError(t, grantMgr.GrantPermission("acme", "echo.run", nil))

	resp := exec.Execute(context.Background(), "acme", Request{PermissionID: "echo.run", Args: map[string]interface{}{"message": "hi"}})
	require.NotEqual(t, "invalid_request", resp.ErrorType)
}
