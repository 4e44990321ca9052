package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rumi-ai/kernel/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "RUMI_SECURITY_MODE", "RUMI_SECRETS_ALLOW_PLAINTEXT", "RUMI_SECRETS_KEY",
		"RUMI_HMAC_SECRET", "RUMI_REQUIRE_HMAC", "RUMI_TRUST_AUTO_RELOAD",
		"RUMI_MAX_CONCURRENT_FLOWS", "RUMI_MAX_RESPONSE_BYTES", "RUMI_SECRET_GET_RATE_LIMIT",
		"RUMI_EGRESS_SOCKET_PERMISSIVE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.SecurityModeStrict, cfg.SecurityMode)
	assert.Equal(t, "auto", cfg.SecretsAllowPlaintext)
	assert.Equal(t, 10, cfg.MaxConcurrentFlows)
	assert.Equal(t, int64(4*1024*1024), cfg.MaxResponseBytes)
	assert.Equal(t, 60, cfg.SecretGetRateLimit)
	assert.False(t, cfg.RequireHMAC)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RUMI_SECURITY_MODE", "permissive")
	t.Setenv("RUMI_MAX_CONCURRENT_FLOWS", "25")
	t.Setenv("RUMI_SECRET_GET_RATE_LIMIT", "120")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, config.SecurityModePermissive, cfg.SecurityMode)
	assert.Equal(t, 25, cfg.MaxConcurrentFlows)
	assert.Equal(t, 120, cfg.SecretGetRateLimit)
}

func TestPlaintextFallbackAllowed_AutoIsDisabledInStrictMode(t *testing.T) {
	clearEnv(t)
	cfg := config.Load()
	assert.False(t, cfg.PlaintextFallbackAllowed())
}

func TestPlaintextFallbackAllowed_AutoIsEnabledInPermissiveMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUMI_SECURITY_MODE", "permissive")
	cfg := config.Load()
	assert.True(t, cfg.PlaintextFallbackAllowed())
}

func TestPlaintextFallbackAllowed_ExplicitFalseOverridesMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUMI_SECURITY_MODE", "permissive")
	t.Setenv("RUMI_SECRETS_ALLOW_PLAINTEXT", "false")
	cfg := config.Load()
	assert.False(t, cfg.PlaintextFallbackAllowed())
}
