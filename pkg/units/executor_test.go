package units

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rumi-ai/kernel/pkg/approval"
	"github.com/rumi-ai/kernel/pkg/grants"
	"github.com/rumi-ai/kernel/pkg/runtime/sandbox"
	"github.com/rumi-ai/kernel/pkg/store"
	"github.com/rumi-ai/kernel/pkg/trust"
)

type testHarness struct {
	exec      *Executor
	storeReg  *store.Registry
	approvals *approval.Manager
	trusted   *trust.Store
	trustPath string
	grantMgr  *grants.Manager
	storeRoot string
}

func (h *testHarness) trustEntrypoint(t *testing.T, entry trust.Entry) {
	t.Helper()
	existing := []trust.Entry{}
	if data, err := os.ReadFile(h.trustPath); err == nil {
		_ = json.Unmarshal(data, &existing)
	}
	existing = append(existing, entry)
	data, err := json.Marshal(existing)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.trustPath, data, 0o644))

	reloaded, err := trust.NewStore(h.trustPath, false, nil)
	require.NoError(t, err)
	h.trusted = reloaded
	h.exec.trustStore = reloaded
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	root := t.TempDir()

	packsRoot := filepath.Join(root, "packs")
	require.NoError(t, os.MkdirAll(filepath.Join(packsRoot, "acme", "handlers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(packsRoot, "acme", "manifest.json"), []byte(`{"name":"acme"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(packsRoot, "acme", "handlers", "write_file.py"), []byte("print('x')"), 0o644))

	approvals, err := approval.NewManager(filepath.Join(root, "approvals"), packsRoot, nil)
	require.NoError(t, err)
	require.NoError(t, approvals.Approve("acme", "admin"))

	storesBase := filepath.Join(root, "stores")
	require.NoError(t, os.MkdirAll(storesBase, 0o755))
	storeReg, err := store.Open(filepath.Join(root, "stores.db"), storesBase)
	require.NoError(t, err)
	t.Cleanup(func() { storeReg.Close() })
	require.NoError(t, storeReg.CreateStore(context.Background(), "units-store", "units-store", "acme"))

	storeRoot := filepath.Join(storesBase, "units-store")

	trustPath := filepath.Join(root, "unit_trust.json")
	trustedStore, err := trust.NewStore(trustPath, false, nil)
	require.NoError(t, err)

	grantMgr, err := grants.NewManager("units", filepath.Join(root, "grants"), root, "", nil)
	require.NoError(t, err)

	exec := NewExecutor(approvals, storeReg, grantMgr, trustedStore, nil)

	return &testHarness{
		exec:      exec,
		storeReg:  storeReg,
		approvals: approvals,
		trusted:   trustedStore,
		trustPath: trustPath,
		grantMgr:  grantMgr,
		storeRoot: storeRoot,
	}
}

func (h *testHarness) writeUnit(t *testing.T, unitID, version string, meta Meta, entrypointBody string) string {
	t.Helper()
	unitDir := filepath.Join(h.storeRoot, unitID, version)
	require.NoError(t, os.MkdirAll(unitDir, 0o755))

	meta.UnitID = unitID
	meta.Version = version
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(unitDir, "unit.json"), data, 0o644))

	if meta.Entrypoint != "" && entrypointBody != "" {
		require.NoError(t, os.WriteFile(filepath.Join(unitDir, meta.Entrypoint), []byte(entrypointBody), 0o644))
	}
	return unitDir
}

func dataUnitMeta() Meta {
	return Meta{Kind: KindData, ExecModesAllowed: []string{"host_capability"}}
}

func TestExecute_UnknownKindIsRejected(t *testing.T) {
	h := newTestHarness(t)
	h.writeUnit(t, "weird", "1.0.0", Meta{Kind: "wasm", ExecModesAllowed: []string{"host_capability"}}, "")

	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "weird", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "unknown_kind", resp.ErrorType)
}

func TestExecute_ModeNotInAllowedListIsRejected(t *testing.T) {
	h := newTestHarness(t)
	h.writeUnit(t, "data-unit", "1.0.0", dataUnitMeta(), "")

	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "data-unit", Version: "1.0.0"}, "sandbox", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "mode_not_allowed", resp.ErrorType)
}

func TestExecute_PackContainerAndSandboxAreNotImplemented(t *testing.T) {
	h := newTestHarness(t)
	h.writeUnit(t, "data-unit", "1.0.0", Meta{Kind: KindData, ExecModesAllowed: []string{"pack_container", "sandbox"}}, "")

	for _, mode := range []string{"pack_container", "sandbox"} {
		resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "data-unit", Version: "1.0.0"}, mode, nil, 0)
		require.False(t, resp.Success)
		require.Equal(t, "mode_not_implemented", resp.ErrorType)
	}
}

func TestExecute_UntrustedEntrypointIsDenied(t *testing.T) {
	h := newTestHarness(t)
	h.writeUnit(t, "py-unit", "1.0.0", Meta{
		Kind:             KindPython,
		Entrypoint:       "main.py",
		ExecModesAllowed: []string{"host_capability"},
	}, "def execute(args):\n    return {'ok': True}\n")

	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "py-unit", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "trust_denied", resp.ErrorType)
}

func TestExecute_TOCTOUMismatchDetected(t *testing.T) {
	h := newTestHarness(t)
	body := "def execute(args):\n    return {'ok': True}\n"
	unitDir := h.writeUnit(t, "py-unit", "1.0.0", Meta{
		Kind:             KindPython,
		Entrypoint:       "main.py",
		ExecModesAllowed: []string{"host_capability"},
	}, body)

	reg := NewRegistry()
	sha, err := reg.ComputeEntrypointSHA256(unitDir, "main.py")
	require.NoError(t, err)

	h.trustEntrypoint(t, trust.Entry{ID: "py-unit", Version: "1.0.0", SHA256: sha, Kind: trust.KindPython})

	// Swap the entrypoint's content after the trust check has already
	// confirmed the original hash would pass — simulating an attacker
	// winning the race between trust-check and spawn (spec §8 scenario 5).
	require.NoError(t, os.WriteFile(filepath.Join(unitDir, "main.py"), []byte("def execute(args):\n    return {'pwned': True}\n"), 0o644))

	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "py-unit", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "toctou_mismatch", resp.ErrorType)
}

func TestExecute_SetuidBinaryIsRejected(t *testing.T) {
	h := newTestHarness(t)
	unitDir := h.writeUnit(t, "bin-unit", "1.0.0", Meta{
		Kind:             KindBinary,
		Entrypoint:       "run",
		ExecModesAllowed: []string{"host_capability"},
	}, "#!/bin/sh\necho hi\n")

	binPath := filepath.Join(unitDir, "run")
	require.NoError(t, os.Chmod(binPath, 0o4755))

	reg := NewRegistry()
	sha, err := reg.ComputeEntrypointSHA256(unitDir, "run")
	require.NoError(t, err)
	h.trustEntrypoint(t, trust.Entry{ID: "bin-unit", Version: "1.0.0", SHA256: sha, Kind: trust.KindBinary})

	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "bin-unit", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "security_violation", resp.ErrorType)
}

func TestExecute_UnapprovedPackIsDenied(t *testing.T) {
	h := newTestHarness(t)
	h.writeUnit(t, "data-unit", "1.0.0", dataUnitMeta(), "")

	resp := h.exec.Execute(context.Background(), "unknown-pack", Ref{StoreID: "units-store", UnitID: "data-unit", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "approval_denied", resp.ErrorType)
}

func TestExecute_GrantDeniedWhenPermissionRequired(t *testing.T) {
	h := newTestHarness(t)
	h.writeUnit(t, "gated-unit", "1.0.0", Meta{
		Kind:             KindData,
		PermissionID:     "fs.write",
		ExecModesAllowed: []string{"host_capability"},
	}, "")

	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "gated-unit", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "grant_denied", resp.ErrorType)
}

func TestExecute_UnknownUnitIsNotFound(t *testing.T) {
	h := newTestHarness(t)
	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "does-not-exist", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "unit_not_found", resp.ErrorType)
}

func TestExecute_UnknownStoreIsNotFound(t *testing.T) {
	h := newTestHarness(t)
	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "no-such-store", UnitID: "data-unit", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "store_not_found", resp.ErrorType)
}

func TestGetUnitByRef_LatestResolvesHighestSemver(t *testing.T) {
	h := newTestHarness(t)
	h.writeUnit(t, "data-unit", "1.0.0", dataUnitMeta(), "")
	h.writeUnit(t, "data-unit", "1.2.0", dataUnitMeta(), "")
	h.writeUnit(t, "data-unit", "1.10.0", dataUnitMeta(), "")

	reg := NewRegistry()
	meta, err := reg.GetUnitByRef(h.storeRoot, Ref{UnitID: "data-unit", Version: "latest"})
	require.NoError(t, err)
	require.Equal(t, "1.10.0", meta.Version)
}

func TestGetUnitByRef_LatestIgnoresNonSemverDirectories(t *testing.T) {
	h := newTestHarness(t)
	h.writeUnit(t, "data-unit", "1.0.0", dataUnitMeta(), "")
	require.NoError(t, os.MkdirAll(filepath.Join(h.storeRoot, "data-unit", "scratch"), 0o755))

	reg := NewRegistry()
	meta, err := reg.GetUnitByRef(h.storeRoot, Ref{UnitID: "data-unit", Version: "latest"})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", meta.Version)
}

func TestExecute_WasmEntrypointUsesSandboxWhenWired(t *testing.T) {
	h := newTestHarness(t)
	unitDir := h.writeUnit(t, "wasm-unit", "1.0.0", Meta{
		Kind:             KindBinary,
		Entrypoint:       "module.wasm",
		ExecModesAllowed: []string{"host_capability"},
	}, "not a real wasm binary, just trust-able bytes")

	reg := NewRegistry()
	sha, err := reg.ComputeEntrypointSHA256(unitDir, "module.wasm")
	require.NoError(t, err)
	h.trustEntrypoint(t, trust.Entry{ID: "wasm-unit", Version: "1.0.0", SHA256: sha, Kind: trust.KindBinary})

	h.exec.SetWasmSandbox(sandbox.NewInProcessSandbox())

	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "wasm-unit", Version: "1.0.0"}, "host_capability", nil, 0)
	require.True(t, resp.Success)
	require.Equal(t, "host_capability", resp.ExecutionMode)
}

func TestExecute_WasmEntrypointFallsBackToSubprocessWithoutSandbox(t *testing.T) {
	h := newTestHarness(t)
	unitDir := h.writeUnit(t, "wasm-unit", "1.0.0", Meta{
		Kind:             KindBinary,
		Entrypoint:       "module.wasm",
		ExecModesAllowed: []string{"host_capability"},
	}, "not a real wasm binary, just trust-able bytes")

	reg := NewRegistry()
	sha, err := reg.ComputeEntrypointSHA256(unitDir, "module.wasm")
	require.NoError(t, err)
	h.trustEntrypoint(t, trust.Entry{ID: "wasm-unit", Version: "1.0.0", SHA256: sha, Kind: trust.KindBinary})

	resp := h.exec.Execute(context.Background(), "acme", Ref{StoreID: "units-store", UnitID: "wasm-unit", Version: "1.0.0"}, "host_capability", nil, 0)
	require.False(t, resp.Success)
	require.Equal(t, "execution_error", resp.ErrorType)
}
