package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProvidersYAML = `
providers:
  - name: openai
    type: openai
    priority: 1
    timeout_ms: 30000
    models: [gpt-4o, gpt-4o-mini]
    costs:
      gpt-4o:
        prompt_per_1k: 0.005
        completion_per_1k: 0.015
  - name: gemini
    type: gemini
    base_url: https://generativelanguage.googleapis.com
    priority: 0

routing:
  max_attempts: 3
  backoff_ms: 100

alerting:
  default_threshold_usd: 50
  window_minutes: 30
  webhook_url: https://hooks.example.com/budget
  tenants:
    acme: 200

probe:
  interval_seconds: 15
  timeout_seconds: 3
`

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProviders(t *testing.T) {
	pf, err := LoadProviders(writeTempFile(t, sampleProvidersYAML))
	require.NoError(t, err)

	require.Len(t, pf.Providers, 2)
	openai := pf.Providers[0]
	assert.Equal(t, "openai", openai.Name)
	assert.Equal(t, 1, openai.Priority)
	assert.Equal(t, 30000, openai.TimeoutMS)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, openai.Models)
	require.Contains(t, openai.Costs, "gpt-4o")
	assert.InDelta(t, 0.005, openai.Costs["gpt-4o"].PromptPer1K, 1e-9)
	assert.InDelta(t, 0.015, openai.Costs["gpt-4o"].CompletionPer1K, 1e-9)

	assert.Equal(t, 3, pf.Routing.MaxAttempts)
	assert.Equal(t, 100, pf.Routing.BackoffMS)
	assert.InDelta(t, 50.0, pf.Alerting.DefaultThresholdUSD, 1e-9)
	assert.Equal(t, 30, pf.Alerting.WindowMinutes)
	assert.Equal(t, "https://hooks.example.com/budget", pf.Alerting.WebhookURL)
	assert.InDelta(t, 200.0, pf.Alerting.Tenants["acme"], 1e-9)
	assert.Equal(t, 15, pf.Probe.IntervalSeconds)
}

func TestLoadProviders_Validation(t *testing.T) {
	_, err := LoadProviders(writeTempFile(t, "providers:\n  - type: openai\n"))
	assert.ErrorContains(t, err, "name is required")

	_, err = LoadProviders(writeTempFile(t, "providers:\n  - name: openai\n"))
	assert.ErrorContains(t, err, "type is required")

	_, err = LoadProviders(writeTempFile(t, "providers: [not yaml"))
	assert.Error(t, err)

	_, err = LoadProviders(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefaultProviders(t *testing.T) {
	pf := DefaultProviders(&Config{GeminiAPIKey: "g", AnthropicAPIKey: "a"})
	require.Len(t, pf.Providers, 2)
	assert.Equal(t, "gemini", pf.Providers[0].Name)
	assert.Equal(t, 0, pf.Providers[0].Priority)
	assert.Equal(t, "claude", pf.Providers[1].Name)

	pf = DefaultProviders(&Config{OpenAIAPIKey: "o"})
	require.Len(t, pf.Providers, 1)
	assert.Equal(t, "openai", pf.Providers[0].Name)
}
