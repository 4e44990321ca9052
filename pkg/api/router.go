package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rumi-ai/kernel/pkg/approval"
	"github.com/rumi-ai/kernel/pkg/capabilities"
	"github.com/rumi-ai/kernel/pkg/secrets"
	"github.com/rumi-ai/kernel/pkg/store"
	"github.com/rumi-ai/kernel/pkg/units"
)

// Kernel bundles every component the HTTP control plane dispatches to.
// A nil field disables the routes that depend on it (e.g. a kernel run
// without capability handlers configured still serves packs/secrets).
type Kernel struct {
	Approvals    *approval.Manager
	Staging      *approval.Importer
	Secrets      *secrets.Store
	Stores       *store.Registry
	Capabilities *capabilities.Executor
	Units        *units.Executor

	// MaxConcurrentFlows bounds /api/flows/{id}/run concurrency.
	MaxConcurrentFlows int
	// MaxResponseBytes caps a flow result body before truncation.
	MaxResponseBytes int64
}

// NewRouter builds the route table described in spec §6. Every handler
// writes the uniform {success, data|error} envelope (spec §4.11).
func NewRouter(k *Kernel) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /readiness", handleReadiness(k))

	mux.HandleFunc("GET /api/packs", k.handleListPacks)
	mux.HandleFunc("POST /api/packs/{id}/approve", k.handleApprovePack)
	mux.HandleFunc("POST /api/packs/{id}/reject", k.handleRejectPack)
	mux.HandleFunc("POST /api/packs/{id}/uninstall", k.handleUninstallPack)
	mux.HandleFunc("POST /api/packs/import", k.handlePackImport)
	mux.HandleFunc("POST /api/packs/apply", k.handlePackApply)

	mux.HandleFunc("GET /api/secrets", k.handleListSecrets)
	mux.HandleFunc("POST /api/secrets/set", k.handleSetSecret)
	mux.HandleFunc("POST /api/secrets/delete", k.handleDeleteSecret)

	mux.HandleFunc("POST /api/stores/create", k.handleCreateStore)
	mux.HandleFunc("POST /api/stores/cas", k.handleStoreCas)
	mux.HandleFunc("GET /api/stores/list_keys", k.handleStoreListKeys)
	mux.HandleFunc("POST /api/stores/batch_get", k.handleStoreBatchGet)
	mux.HandleFunc("POST /api/stores/delete", k.handleDeleteStore)

	mux.HandleFunc("POST /api/capability/execute", k.handleCapabilityExecute)
	mux.HandleFunc("POST /api/units/execute", k.handleUnitExecute)

	mux.HandleFunc("POST /api/flows/{id}/run", k.handleFlowRun)

	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]string{"status": "ok"})
}

func handleReadiness(k *Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if k == nil || k.Stores == nil {
			WriteServiceUnavailable(w, "kernel not initialized")
			return
		}
		WriteSuccess(w, map[string]string{"status": "ready"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// --- packs ---

func (k *Kernel) handleListPacks(w http.ResponseWriter, r *http.Request) {
	if k.Approvals == nil {
		WriteServiceUnavailable(w, "approval manager not configured")
		return
	}
	ids, err := k.Approvals.ScanPacks(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	type packStatus struct {
		PackID string `json:"pack_id"`
		Status string `json:"status"`
	}
	out := make([]packStatus, 0, len(ids))
	for _, id := range ids {
		rec := k.Approvals.GetStatus(id)
		out = append(out, packStatus{PackID: id, Status: string(rec.Status)})
	}
	WriteSuccess(w, out)
}

func (k *Kernel) handleApprovePack(w http.ResponseWriter, r *http.Request) {
	if k.Approvals == nil {
		WriteServiceUnavailable(w, "approval manager not configured")
		return
	}
	id := r.PathValue("id")
	var body struct {
		ApprovedBy string `json:"approved_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := k.Approvals.Approve(id, body.ApprovedBy); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteSuccess(w, map[string]bool{"success": true})
}

func (k *Kernel) handleRejectPack(w http.ResponseWriter, r *http.Request) {
	if k.Approvals == nil {
		WriteServiceUnavailable(w, "approval manager not configured")
		return
	}
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := k.Approvals.Reject(id, body.Reason); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteSuccess(w, map[string]bool{"success": true})
}

func (k *Kernel) handleUninstallPack(w http.ResponseWriter, r *http.Request) {
	if k.Approvals == nil {
		WriteServiceUnavailable(w, "approval manager not configured")
		return
	}
	id := r.PathValue("id")
	if err := k.Approvals.RemoveApproval(id); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteSuccess(w, map[string]bool{"success": true})
}

func (k *Kernel) handlePackImport(w http.ResponseWriter, r *http.Request) {
	if k.Staging == nil {
		WriteServiceUnavailable(w, "pack staging not configured")
		return
	}
	var body struct {
		Path  string `json:"path"`
		Notes string `json:"notes"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Path == "" {
		WriteBadRequest(w, "path is required")
		return
	}
	WriteSuccess(w, k.Staging.Import(body.Path, body.Notes))
}

func (k *Kernel) handlePackApply(w http.ResponseWriter, r *http.Request) {
	if k.Staging == nil {
		WriteServiceUnavailable(w, "pack staging not configured")
		return
	}
	var body struct {
		StagingID string `json:"staging_id"`
		Mode      string `json:"mode"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.StagingID == "" {
		WriteBadRequest(w, "staging_id is required")
		return
	}
	WriteSuccess(w, k.Staging.Apply(body.StagingID, approval.ApplyMode(body.Mode)))
}

// --- secrets ---

func (k *Kernel) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	if k.Secrets == nil {
		WriteServiceUnavailable(w, "secrets store not configured")
		return
	}
	keys, err := k.Secrets.ListKeys()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"keys": keys, "count": len(keys)})
}

func (k *Kernel) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	if k.Secrets == nil {
		WriteServiceUnavailable(w, "secrets store not configured")
		return
	}
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	created, err := k.Secrets.SetSecret(body.Key, body.Value)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{"success": true, "created": created})
}

func (k *Kernel) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if k.Secrets == nil {
		WriteServiceUnavailable(w, "secrets store not configured")
		return
	}
	var body struct {
		Key string `json:"key"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := k.Secrets.DeleteSecret(body.Key); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteSuccess(w, map[string]bool{"success": true})
}

// --- stores ---

func (k *Kernel) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	if k.Stores == nil {
		WriteServiceUnavailable(w, "store registry not configured")
		return
	}
	var body struct {
		StoreID   string `json:"store_id"`
		RootPath  string `json:"root_path"`
		CreatedBy string `json:"created_by"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.RootPath == "" {
		body.RootPath = body.StoreID
	}
	if err := k.Stores.CreateStore(r.Context(), body.StoreID, body.RootPath, body.CreatedBy); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteSuccess(w, map[string]bool{"success": true})
}

func (k *Kernel) handleStoreCas(w http.ResponseWriter, r *http.Request) {
	if k.Stores == nil {
		WriteServiceUnavailable(w, "store registry not configured")
		return
	}
	var body struct {
		StoreID       string      `json:"store_id"`
		Key           string      `json:"key"`
		ExpectMissing bool        `json:"expect_missing"`
		Expected      interface{} `json:"expected"`
		NewValue      interface{} `json:"new_value"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	expected := body.Expected
	if body.ExpectMissing {
		expected = store.ExpectMissing
	}

	result, err := k.Stores.Cas(r.Context(), body.StoreID, body.Key, expected, body.NewValue)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteSuccess(w, result)
}

func (k *Kernel) handleStoreListKeys(w http.ResponseWriter, r *http.Request) {
	if k.Stores == nil {
		WriteServiceUnavailable(w, "store registry not configured")
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	result, err := k.Stores.ListKeys(r.Context(), q.Get("store_id"), q.Get("prefix"), q.Get("cursor"), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteSuccess(w, result)
}

func (k *Kernel) handleStoreBatchGet(w http.ResponseWriter, r *http.Request) {
	if k.Stores == nil {
		WriteServiceUnavailable(w, "store registry not configured")
		return
	}
	var body struct {
		StoreID string   `json:"store_id"`
		Keys    []string `json:"keys"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := k.Stores.BatchGet(r.Context(), body.StoreID, body.Keys)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteSuccess(w, result)
}

func (k *Kernel) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	if k.Stores == nil {
		WriteServiceUnavailable(w, "store registry not configured")
		return
	}
	var body struct {
		StoreID     string `json:"store_id"`
		DeleteFiles bool   `json:"delete_files"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := k.Stores.DeleteStore(r.Context(), body.StoreID, body.DeleteFiles); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteSuccess(w, map[string]bool{"success": true})
}

// --- capability & unit execution ---

func (k *Kernel) handleCapabilityExecute(w http.ResponseWriter, r *http.Request) {
	if k.Capabilities == nil {
		WriteServiceUnavailable(w, "capability executor not configured")
		return
	}
	var body struct {
		PrincipalID string               `json:"principal_id"`
		Request     capabilities.Request `json:"request"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	resp := k.Capabilities.Execute(r.Context(), body.PrincipalID, body.Request)
	WriteSuccess(w, resp)
}

func (k *Kernel) handleUnitExecute(w http.ResponseWriter, r *http.Request) {
	if k.Units == nil {
		WriteServiceUnavailable(w, "unit executor not configured")
		return
	}
	var body struct {
		PrincipalID    string                 `json:"principal_id"`
		UnitRef        units.Ref              `json:"unit_ref"`
		Mode           string                 `json:"mode"`
		Args           map[string]interface{} `json:"args"`
		TimeoutSeconds float64                `json:"timeout_seconds"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	resp := k.Units.Execute(r.Context(), body.PrincipalID, body.UnitRef, body.Mode, body.Args, body.TimeoutSeconds)
	WriteSuccess(w, resp)
}

// --- flows ---

// handleFlowRun is a deliberate stub: flow orchestration sits above the
// eleven components this kernel implements (spec §2's component table
// has no flow-execution component), so the route exists for API-surface
// parity but reports itself unavailable rather than silently no-op.
func (k *Kernel) handleFlowRun(w http.ResponseWriter, r *http.Request) {
	WriteServiceUnavailable(w, "flow execution is not part of this kernel")
}

