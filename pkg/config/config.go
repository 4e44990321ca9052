// Package config loads the kernel's environment-driven settings (spec
// §6 "Environment variables (recognized)").
package config

import (
	"os"
	"strconv"
)

// SecurityMode gates whether plaintext-secret fallback and host-mode
// executor fallbacks are permitted.
type SecurityMode string

const (
	SecurityModeStrict     SecurityMode = "strict"
	SecurityModePermissive SecurityMode = "permissive"
)

// Config holds the kernel's process-wide settings, loaded once at
// startup from environment variables.
type Config struct {
	Port string

	SecurityMode           SecurityMode
	SecretsAllowPlaintext   string // "auto" | "true" | "false"
	SecretsKey              string
	HMACSecret              string
	RequireHMAC             bool
	TrustAutoReload         bool

	MaxConcurrentFlows int
	MaxResponseBytes   int64
	SecretGetRateLimit int

	ControlPlaneRPS   int
	ControlPlaneBurst int

	EgressSocketPermissive bool
}

// Load reads Config from the environment, applying spec-documented
// defaults for every unset variable.
func Load() *Config {
	return &Config{
		Port: getEnvOr("PORT", "8080"),

		SecurityMode:          SecurityMode(getEnvOr("RUMI_SECURITY_MODE", string(SecurityModeStrict))),
		SecretsAllowPlaintext: getEnvOr("RUMI_SECRETS_ALLOW_PLAINTEXT", "auto"),
		SecretsKey:            os.Getenv("RUMI_SECRETS_KEY"),
		HMACSecret:            os.Getenv("RUMI_HMAC_SECRET"),
		RequireHMAC:           getEnvBool("RUMI_REQUIRE_HMAC", false),
		TrustAutoReload:       getEnvBool("RUMI_TRUST_AUTO_RELOAD", false),

		MaxConcurrentFlows: getEnvInt("RUMI_MAX_CONCURRENT_FLOWS", 10),
		MaxResponseBytes:   getEnvInt64("RUMI_MAX_RESPONSE_BYTES", 4*1024*1024),
		SecretGetRateLimit: getEnvInt("RUMI_SECRET_GET_RATE_LIMIT", 60),

		ControlPlaneRPS:   getEnvInt("RUMI_CONTROL_PLANE_RPS", 20),
		ControlPlaneBurst: getEnvInt("RUMI_CONTROL_PLANE_BURST", 40),

		EgressSocketPermissive: getEnvBool("RUMI_EGRESS_SOCKET_PERMISSIVE", false),
	}
}

// PlaintextFallbackAllowed resolves the effective plaintext-secret
// policy: in strict security mode, "auto" also disables fallback (spec
// §4.3).
func (c *Config) PlaintextFallbackAllowed() bool {
	switch c.SecretsAllowPlaintext {
	case "true":
		return true
	case "false":
		return false
	case "auto":
		return c.SecurityMode != SecurityModeStrict
	default:
		return false
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
