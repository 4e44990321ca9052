package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rumi-ai/kernel/pkg/audit"
	"github.com/rumi-ai/kernel/pkg/grants"
	"github.com/rumi-ai/kernel/pkg/observability"
	"github.com/rumi-ai/kernel/pkg/trust"
)

const (
	defaultTimeout              = 30 * time.Second
	maxTimeout                  = 120 * time.Second
	secretGetPermissionID       = "secrets.get"
	defaultSecretGetRateLimit   = 60
	maxArgsSummaryLength        = 500
)

// Executor is the capability execute(principal_id, request) pipeline
// (C8): handler lookup, trust check, grant check, subprocess execution,
// bounded output, single audit entry per call.
type Executor struct {
	handlersDir string
	auditLog    audit.Logger
	trustStore  *trust.Store
	grantMgr    *grants.Manager
	rateLimit   *slidingWindowLimiter

	initOnce sync.Once
	registry *HandlerRegistry
	initOK   bool
}

// NewExecutor wires a Capability Executor against its handlers
// directory, trust store, grant manager, and audit log. Rate limit
// default follows RUMI_SECRET_GET_RATE_LIMIT via rateLimitPerMinute.
func NewExecutor(handlersDir string, trustStore *trust.Store, grantMgr *grants.Manager, auditLog audit.Logger, rateLimitPerMinute int) *Executor {
	if rateLimitPerMinute <= 0 {
		rateLimitPerMinute = defaultSecretGetRateLimit
	}
	return &Executor{
		handlersDir: handlersDir,
		auditLog:    auditLog,
		trustStore:  trustStore,
		grantMgr:    grantMgr,
		rateLimit:   newSlidingWindowLimiter(rateLimitPerMinute),
	}
}

// initialize lazily loads the handler registry exactly once per
// Executor lifetime. A duplicate-permission_id load failure is sticky:
// every subsequent Execute call returns initialization_error.
func (e *Executor) initialize() bool {
	e.initOnce.Do(func() {
		e.registry = NewHandlerRegistry(e.handlersDir, e.auditLog)
		result := e.registry.LoadAll()
		e.initOK = result.Success
	})
	return e.initOK
}

// Execute runs the full verify-then-subprocess pipeline for one
// request. Every return path produces exactly one audit entry (I1).
func (e *Executor) Execute(ctx context.Context, principalID string, req Request) Response {
	ctx, span := observability.StartExecution(ctx, "capability.execute", principalID, req.PermissionID)
	resp := e.execute(ctx, principalID, req)
	observability.EndExecution(span, resp.Success, resp.LatencyMs, resp.ErrorType)
	return resp
}

// clampTimeout converts a requested timeout in seconds to a duration:
// defaultTimeout when none is given, capped at maxTimeout.
func clampTimeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return defaultTimeout
	}
	t := time.Duration(seconds * float64(time.Second))
	if t > maxTimeout {
		return maxTimeout
	}
	return t
}

func (e *Executor) execute(ctx context.Context, principalID string, req Request) Response {
	start := time.Now()

	if req.PermissionID == "" {
		resp := Response{Success: false, Error: "Missing or invalid permission_id", ErrorType: "invalid_request"}
		resp.LatencyMs = elapsedMs(start)
		e.audit(principalID, req.PermissionID, "", resp, req, nil)
		return resp
	}

	timeout := clampTimeout(req.TimeoutSeconds)

	if req.PermissionID == secretGetPermissionID {
		if !e.rateLimit.Allow(principalID, time.Now()) {
			resp := Response{Success: false, Error: "Rate limited", ErrorType: "rate_limited"}
			resp.LatencyMs = elapsedMs(start)
			e.audit(principalID, req.PermissionID, "", resp, req, map[string]interface{}{
				"detail_reason": fmt.Sprintf("rate limit exceeded (%d/min)", e.rateLimit.limit),
			})
			return resp
		}
	}

	if !e.initialize() {
		resp := Response{Success: false, Error: "Capability system failed to initialize", ErrorType: "initialization_error"}
		resp.LatencyMs = elapsedMs(start)
		e.audit(principalID, req.PermissionID, "", resp, req, nil)
		return resp
	}

	def, ok := e.registry.GetByPermissionID(req.PermissionID)
	if !ok {
		resp := Response{Success: false, Error: "Permission denied", ErrorType: "handler_not_found"}
		resp.LatencyMs = elapsedMs(start)
		e.audit(principalID, req.PermissionID, "", resp, req, map[string]interface{}{
			"detail_reason": fmt.Sprintf("no handler registered for permission_id %q", req.PermissionID),
		})
		return resp
	}

	var builtinSHA256 string
	if def.IsBuiltin {
		sha, err := ComputeHandlerSHA256(def.HandlerPyPath)
		if err != nil {
			builtinSHA256 = "compute_failed"
		} else {
			builtinSHA256 = sha
		}
	} else {
		actualSHA256, err := ComputeHandlerSHA256(def.HandlerPyPath)
		if err != nil {
			resp := Response{Success: false, Error: "Permission denied", ErrorType: "trust_denied"}
			resp.LatencyMs = elapsedMs(start)
			e.audit(principalID, req.PermissionID, def.HandlerID, resp, req, map[string]interface{}{
				"trusted":       false,
				"detail_reason": "failed to compute handler sha256 at execution time",
			})
			return resp
		}

		trustResult := e.trustStore.IsTrusted(def.HandlerID, "", actualSHA256, trust.KindPython)
		if !trustResult.Trusted {
			resp := Response{Success: false, Error: "Permission denied", ErrorType: "trust_denied"}
			resp.LatencyMs = elapsedMs(start)
			e.audit(principalID, req.PermissionID, def.HandlerID, resp, req, map[string]interface{}{
				"trusted":       false,
				"detail_reason": trustResult.Reason,
			})
			return resp
		}
	}

	grantResult := e.grantMgr.Check(principalID, req.PermissionID)
	if !grantResult.Allowed {
		resp := Response{Success: false, Error: "Permission denied", ErrorType: "grant_denied"}
		resp.LatencyMs = elapsedMs(start)
		e.audit(principalID, req.PermissionID, def.HandlerID, resp, req, map[string]interface{}{
			"trusted":      true,
			"grant_allowed": false,
			"grant_reason":  grantResult.Reason,
		})
		return resp
	}

	if schema, ok := e.registry.GetArgsSchema(req.PermissionID); ok {
		var argsValue interface{}
		argsJSON, _ := json.Marshal(req.Args)
		_ = json.Unmarshal(argsJSON, &argsValue)
		if err := schema.Validate(argsValue); err != nil {
			resp := Response{Success: false, Error: "Invalid args", ErrorType: "invalid_request"}
			resp.LatencyMs = elapsedMs(start)
			e.audit(principalID, req.PermissionID, def.HandlerID, resp, req, map[string]interface{}{
				"trusted": true, "grant_allowed": true, "detail_reason": err.Error(),
			})
			return resp
		}
	}

	in := runnerInput{
		Context: runnerContext{
			PrincipalID:  principalID,
			PermissionID: req.PermissionID,
			HandlerID:    def.HandlerID,
			GrantConfig:  grantResult.Config,
			RequestID:    req.RequestID,
			TS:           time.Now().UTC().Format(time.RFC3339Nano),
		},
		Args: req.Args,
	}

	outcome := runHandlerSubprocess(ctx, def, in, timeout)

	var resp Response
	if outcome.errorType != "" {
		resp = Response{Success: false, Error: outcome.errMsg, ErrorType: outcome.errorType}
	} else {
		resp = Response{Success: true, Output: outcome.output}
	}
	resp.LatencyMs = elapsedMs(start)

	details := map[string]interface{}{"trusted": true, "grant_allowed": true, "grant_reason": "granted"}
	if def.IsBuiltin {
		details["builtin_sha256"] = builtinSHA256
	}
	if !resp.Success {
		details["error"] = resp.Error
		details["error_type"] = resp.ErrorType
	}
	e.audit(principalID, req.PermissionID, def.HandlerID, resp, req, details)

	return resp
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func summarizeArgs(args map[string]interface{}) string {
	b, err := json.Marshal(args)
	s := string(b)
	if err != nil {
		s = fmt.Sprintf("%v", args)
	}
	if len(s) > maxArgsSummaryLength {
		return s[:maxArgsSummaryLength] + "...(truncated)"
	}
	return s
}

func (e *Executor) audit(principalID, permissionID, handlerID string, resp Response, req Request, extra map[string]interface{}) {
	if e.auditLog == nil {
		return
	}
	details := map[string]interface{}{
		"principal_id":  principalID,
		"permission_id": permissionID,
		"handler_id":    handlerID,
		"request_id":    req.RequestID,
		"latency_ms":    resp.LatencyMs,
		"args_summary":  summarizeArgs(req.Args),
	}
	for k, v := range extra {
		details[k] = v
	}

	e.auditLog.Record(audit.Entry{
		Category:  audit.CategoryPermission,
		Action:    "execute",
		Success:   resp.Success,
		Principal: principalID,
		Details:   details,
	})
}
