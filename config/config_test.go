package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
}

func TestLoad_Defaults(t *testing.T) {
	clearProviderKeys(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "providers.yaml", cfg.ProvidersFile)
	assert.Equal(t, "stdout", cfg.OTELExporterType)
	assert.EqualValues(t, 100000, cfg.DefaultRateLimitTPM)
}

func TestLoad_RequiresAPIKey(t *testing.T) {
	clearProviderKeys(t)

	_, err := Load()
	assert.ErrorContains(t, err, "provider API key")
}

func TestLoad_InvalidRateLimit(t *testing.T) {
	clearProviderKeys(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEFAULT_RATE_LIMIT_TPM", "lots")

	_, err := Load()
	assert.ErrorContains(t, err, "DEFAULT_RATE_LIMIT_TPM")
}
