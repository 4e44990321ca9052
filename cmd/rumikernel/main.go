package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rumi-ai/kernel/pkg/api"
	"github.com/rumi-ai/kernel/pkg/approval"
	"github.com/rumi-ai/kernel/pkg/audit"
	"github.com/rumi-ai/kernel/pkg/auth"
	"github.com/rumi-ai/kernel/pkg/capabilities"
	"github.com/rumi-ai/kernel/pkg/config"
	"github.com/rumi-ai/kernel/pkg/egress"
	"github.com/rumi-ai/kernel/pkg/grants"
	"github.com/rumi-ai/kernel/pkg/runtime/sandbox"
	"github.com/rumi-ai/kernel/pkg/secrets"
	"github.com/rumi-ai/kernel/pkg/store"
	"github.com/rumi-ai/kernel/pkg/trust"
	"github.com/rumi-ai/kernel/pkg/units"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "rumi kernel")
	fmt.Fprintln(w, "Capability-gated execution kernel for untrusted pack code.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  rumikernel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the kernel HTTP control plane (default)")
	fmt.Fprintln(w, "  health   Check server health over HTTP")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

//nolint:gocyclo
func runServer() {
	cfg := config.Load()
	logger := slog.Default()
	logger.Info("rumi kernel starting", "port", cfg.Port, "security_mode", cfg.SecurityMode)

	dataRoot := getenvOr("RUMI_DATA_ROOT", "user_data")

	auditLog, err := audit.NewFileLogger(filepath.Join(dataRoot, "audit"))
	if err != nil {
		log.Fatalf("audit logger: %v", err)
	}

	secretsStore, err := secrets.NewStore(secrets.Options{
		RootDir:         filepath.Join(dataRoot, "secrets"),
		EnvKeyOverride:  cfg.SecretsKey,
		PlaintextPolicy: secrets.PlaintextPolicy(cfg.SecretsAllowPlaintext),
		SecurityMode:    secrets.SecurityMode(cfg.SecurityMode),
		AuditLog:        auditLog,
	})
	if err != nil {
		log.Fatalf("secrets store: %v", err)
	}

	storeReg, err := store.Open(filepath.Join(dataRoot, "stores.db"), filepath.Join(dataRoot, "stores"))
	if err != nil {
		log.Fatalf("store registry: %v", err)
	}

	approvals, err := approval.NewManager(filepath.Join(dataRoot, "approvals"), filepath.Join(dataRoot, "packs"), auditLog)
	if err != nil {
		log.Fatalf("approval manager: %v", err)
	}

	packStaging, err := approval.NewImporter(filepath.Join(dataRoot, "pack_staging"), filepath.Join(dataRoot, "packs"), auditLog)
	if err != nil {
		log.Fatalf("pack staging importer: %v", err)
	}

	capabilityGrants, err := grants.NewManager("capability", filepath.Join(dataRoot, "grants", "capability"), filepath.Join(dataRoot, "keys"), cfg.HMACSecret, auditLog)
	if err != nil {
		log.Fatalf("capability grant manager: %v", err)
	}
	networkGrants, err := grants.NewManager("network", filepath.Join(dataRoot, "grants", "network"), filepath.Join(dataRoot, "keys"), cfg.HMACSecret, auditLog)
	if err != nil {
		log.Fatalf("network grant manager: %v", err)
	}

	handlerTrust, err := trust.NewStore(filepath.Join(dataRoot, "trust", "handlers.json"), cfg.TrustAutoReload, auditLog)
	if err != nil {
		log.Fatalf("handler trust store: %v", err)
	}
	unitTrust, err := trust.NewStore(filepath.Join(dataRoot, "trust", "units.json"), cfg.TrustAutoReload, auditLog)
	if err != nil {
		log.Fatalf("unit trust store: %v", err)
	}

	capabilityExec := capabilities.NewExecutor(
		filepath.Join(dataRoot, "handlers"),
		handlerTrust,
		capabilityGrants,
		auditLog,
		cfg.SecretGetRateLimit,
	)

	unitExec := units.NewExecutor(approvals, storeReg, networkGrants, unitTrust, auditLog)
	if wasmSandbox, err := sandbox.NewWasiSandbox(context.Background(), sandbox.Config{
		MemoryLimitBytes: 64 * 1024 * 1024,
		CPUTimeLimit:     30 * time.Second,
	}); err != nil {
		logger.Warn("wasm sandbox unavailable, .wasm binary units fall back to raw subprocess", "error", err)
	} else {
		unitExec.SetWasmSandbox(wasmSandbox)
	}

	domains := egress.NewDomainController(filepath.Join(dataRoot, "packs"))
	egressLimiter := egress.NewPackRateLimiter(egress.DefaultRateLimit)
	egressProxy := egress.NewProxy(domains, egressLimiter, networkGrants, auditLog)
	egressServer := egress.NewServer(filepath.Join(dataRoot, "sockets"), cfg.EgressSocketPermissive, egressProxy)

	kernel := &api.Kernel{
		Approvals:          approvals,
		Staging:            packStaging,
		Secrets:            secretsStore,
		Stores:             storeReg,
		Capabilities:       capabilityExec,
		Units:              unitExec,
		MaxConcurrentFlows: cfg.MaxConcurrentFlows,
		MaxResponseBytes:   cfg.MaxResponseBytes,
	}

	mux := api.NewRouter(kernel)
	rateLimiter := api.NewControlPlaneRateLimiter(cfg.ControlPlaneRPS, cfg.ControlPlaneBurst, auditLog)
	idempotency := api.NewIdempotencyStore(10 * time.Minute)
	var handler http.Handler = mux
	handler = auth.BearerAuth(bearerToken())(handler)
	handler = api.IdempotencyMiddleware(idempotency)(handler)
	handler = rateLimiter.Middleware(handler)
	handler = auth.RequestIDMiddleware(handler)

	addr := ":" + cfg.Port
	go func() {
		logger.Info("control plane listening", "addr", addr)
		if err := http.ListenAndServe(addr, handler); err != nil {
			logger.Error("control plane server failed", "error", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		logger.Info("health server listening", "addr", ":8081")
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			logger.Error("health server failed", "error", err)
		}
	}()

	_ = egressServer // Listen is not called here: this process opens no per-pack egress socket

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
	egressServer.Close()
}

func bearerToken() string {
	return os.Getenv("RUMI_BEARER_TOKEN")
}

func getenvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
