package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelCost is the per-1K-token billing rate for one model.
type ModelCost struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

type ProviderConfig struct {
	Name      string               `yaml:"name"`
	Type      string               `yaml:"type"` // openai | claude | gemini
	BaseURL   string               `yaml:"base_url"`
	Priority  int                  `yaml:"priority"`
	TimeoutMS int                  `yaml:"timeout_ms"`
	Models    []string             `yaml:"models"`
	Costs     map[string]ModelCost `yaml:"costs"`
}

type RoutingConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BackoffMS   int `yaml:"backoff_ms"`
}

type AlertingConfig struct {
	DefaultThresholdUSD float64            `yaml:"default_threshold_usd"`
	WindowMinutes       int                `yaml:"window_minutes"`
	WebhookURL          string             `yaml:"webhook_url"`
	Tenants             map[string]float64 `yaml:"tenants"`
}

type ProbeConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

// ProvidersFile is the operator-supplied routing and billing surface,
// loaded once before the gateway accepts traffic.
type ProvidersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Alerting  AlertingConfig   `yaml:"alerting"`
	Probe     ProbeConfig      `yaml:"probe"`
}

func LoadProviders(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var pf ProvidersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	for i, p := range pf.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.Type == "" {
			return nil, fmt.Errorf("provider %q: type is required", p.Name)
		}
	}
	return &pf, nil
}

// DefaultProviders builds the built-in provider set for deployments that
// run without a providers.yaml, one entry per configured API key.
func DefaultProviders(cfg *Config) *ProvidersFile {
	pf := &ProvidersFile{}
	if cfg.GeminiAPIKey != "" {
		pf.Providers = append(pf.Providers, ProviderConfig{Name: "gemini", Type: "gemini", Priority: 0})
	}
	if cfg.OpenAIAPIKey != "" {
		pf.Providers = append(pf.Providers, ProviderConfig{Name: "openai", Type: "openai", Priority: 1})
	}
	if cfg.AnthropicAPIKey != "" {
		pf.Providers = append(pf.Providers, ProviderConfig{Name: "claude", Type: "claude", Priority: 2})
	}
	return pf
}
