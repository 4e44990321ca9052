package capabilities

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rumi-ai/kernel/pkg/audit"
	"github.com/rumi-ai/kernel/pkg/crypto"
)

// argsSchemaFile is the optional per-handler JSON-Schema document
// validating Request.Args before dispatch. Handlers without one accept
// any args shape.
const argsSchemaFile = "args_schema.json"

// LoadError describes one handler directory that failed to load or
// collided with another on handler_id. A duplicate permission_id is not
// reported as a LoadError: LoadAll returns Success=false and records a
// critical audit entry instead.
type LoadError struct {
	Slug  string `json:"slug"`
	Error string `json:"error"`
}

// LoadResult is the outcome of HandlerRegistry.LoadAll.
type LoadResult struct {
	Success       bool
	HandlersLoaded int
	Errors        []LoadError
}

// HandlerRegistry scans <handlersDir>/<slug>/handler.json and builds a
// permission_id -> HandlerDefinition index. A duplicate permission_id
// across handlers is a fatal load error: no ambiguous dispatch allowed.
type HandlerRegistry struct {
	handlersDir string
	auditLog    audit.Logger

	mu           sync.RWMutex
	byPermission map[string]HandlerDefinition
	schemas      map[string]*jsonschema.Schema
	loaded       bool
}

func NewHandlerRegistry(handlersDir string, auditLog audit.Logger) *HandlerRegistry {
	return &HandlerRegistry{
		handlersDir:  handlersDir,
		auditLog:     auditLog,
		byPermission: map[string]HandlerDefinition{},
		schemas:      map[string]*jsonschema.Schema{},
	}
}

type handlerJSON struct {
	HandlerID    string `json:"handler_id"`
	PermissionID string `json:"permission_id"`
	Entrypoint   string `json:"entrypoint"`
	Description  string `json:"description"`
	Risk         string `json:"risk"`
	IsBuiltin    bool   `json:"is_builtin"`
}

// LoadAll (re)builds the registry from disk. A missing handlers
// directory loads as empty-but-successful.
func (r *HandlerRegistry) LoadAll() LoadResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byPermission = map[string]HandlerDefinition{}
	r.schemas = map[string]*jsonschema.Schema{}
	r.loaded = false

	entries, err := os.ReadDir(r.handlersDir)
	if err != nil {
		if os.IsNotExist(err) {
			r.loaded = true
			return LoadResult{Success: true}
		}
		return LoadResult{Success: false, Errors: []LoadError{{Error: err.Error()}}}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	byHandlerID := map[string]HandlerDefinition{}
	candidates := map[string][]HandlerDefinition{}
	var loadErrors []LoadError

	for _, slug := range names {
		slugDir := filepath.Join(r.handlersDir, slug)
		def, loadErr := r.loadOne(slug, slugDir)
		if loadErr != nil {
			loadErrors = append(loadErrors, *loadErr)
			continue
		}

		if existing, ok := byHandlerID[def.HandlerID]; ok {
			loadErrors = append(loadErrors, LoadError{
				Slug:  slug,
				Error: "duplicate handler_id: " + def.HandlerID + " (also in " + existing.Slug + ")",
			})
			continue
		}
		byHandlerID[def.HandlerID] = def
		candidates[def.PermissionID] = append(candidates[def.PermissionID], def)
	}

	hasDuplicates := false
	for pid, defs := range candidates {
		if len(defs) > 1 {
			hasDuplicates = true
			if r.auditLog != nil {
				r.auditLog.Record(audit.Entry{
					Category: audit.CategorySecurity,
					Severity: audit.SeverityCritical,
					Action:   "capability_handler_duplicate_permission",
					Success:  false,
					Details:  map[string]interface{}{"permission_id": pid, "handler_count": len(defs)},
				})
			}
			continue
		}
		r.byPermission[pid] = defs[0]
		if schema, loadErr := loadArgsSchema(defs[0].HandlerDir); loadErr != nil {
			loadErrors = append(loadErrors, LoadError{Slug: defs[0].Slug, Error: "invalid " + argsSchemaFile + ": " + loadErr.Error()})
		} else if schema != nil {
			r.schemas[pid] = schema
		}
	}

	if hasDuplicates {
		return LoadResult{Success: false, HandlersLoaded: len(r.byPermission), Errors: loadErrors}
	}

	r.loaded = true
	return LoadResult{Success: true, HandlersLoaded: len(r.byPermission), Errors: loadErrors}
}

func (r *HandlerRegistry) loadOne(slug, slugDir string) (HandlerDefinition, *LoadError) {
	handlerJSONPath := filepath.Join(slugDir, "handler.json")
	data, err := os.ReadFile(handlerJSONPath)
	if err != nil {
		return HandlerDefinition{}, &LoadError{Slug: slug, Error: "handler.json not found"}
	}

	var h handlerJSON
	if err := json.Unmarshal(data, &h); err != nil {
		return HandlerDefinition{}, &LoadError{Slug: slug, Error: "failed to parse handler.json: " + err.Error()}
	}

	if h.HandlerID == "" {
		return HandlerDefinition{}, &LoadError{Slug: slug, Error: "missing or invalid handler_id"}
	}
	if h.PermissionID == "" {
		return HandlerDefinition{}, &LoadError{Slug: slug, Error: "missing or invalid permission_id"}
	}
	entrypoint := h.Entrypoint
	if entrypoint == "" {
		entrypoint = "handler.py:execute"
	}
	idx := strings.LastIndex(entrypoint, ":")
	if idx < 0 {
		return HandlerDefinition{}, &LoadError{Slug: slug, Error: "invalid entrypoint format (expected 'file:func'): " + entrypoint}
	}
	epFile := entrypoint[:idx]

	handlerPyPath := filepath.Join(slugDir, epFile)
	if _, err := os.Stat(handlerPyPath); err != nil {
		return HandlerDefinition{}, &LoadError{Slug: slug, Error: "entrypoint file not found: " + epFile}
	}

	return HandlerDefinition{
		HandlerID:     h.HandlerID,
		PermissionID:  h.PermissionID,
		Entrypoint:    entrypoint,
		Description:   h.Description,
		Risk:          h.Risk,
		IsBuiltin:     h.IsBuiltin,
		HandlerDir:    slugDir,
		HandlerPyPath: handlerPyPath,
		Slug:          slug,
	}, nil
}

func (r *HandlerRegistry) GetByPermissionID(permissionID string) (HandlerDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byPermission[permissionID]
	return d, ok
}

// GetArgsSchema returns the compiled JSON-Schema for a permission_id's
// args, if the handler declared one.
func (r *HandlerRegistry) GetArgsSchema(permissionID string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[permissionID]
	return s, ok
}

// loadArgsSchema compiles <handlerDir>/args_schema.json if present.
// A missing file is not an error; a present-but-invalid file is.
func loadArgsSchema(handlerDir string) (*jsonschema.Schema, error) {
	path := filepath.Join(handlerDir, argsSchemaFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return jsonschema.CompileString(path, string(data))
}

func (r *HandlerRegistry) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// ComputeHandlerSHA256 re-hashes a handler's entrypoint file at call
// time, used both for built-in audit records and non-builtin trust
// checks (I3).
func ComputeHandlerSHA256(path string) (string, error) {
	return crypto.ComputeFileSHA256(path)
}
