// Package factory constructs LLM clients from provider configuration.
package factory

import (
	"fmt"

	"optiq/pkg/config"
	"optiq/pkg/llm"
	anthropicimpl "optiq/pkg/llm/anthropic"
	geminiimpl "optiq/pkg/llm/gemini"
	ollamaimpl "optiq/pkg/llm/ollamaclient"
	openaiimpl "optiq/pkg/llm/openai"
)

// NewClient builds the raw provider client for cfg. API keys are resolved
// through the secret store (secrets file first, then environment). Middleware
// is applied by the caller via llm.Chain.
func NewClient(cfg config.ProviderConfig, secrets *config.SecretStore) (llm.LLMClient, error) {
	switch cfg.Kind {
	case config.ProviderAnthropic:
		key, err := secrets.Get(cfg.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("anthropic API key: %w", err)
		}
		return anthropicimpl.NewClient(key, cfg.Model), nil

	case config.ProviderOpenAI:
		key, err := secrets.Get(cfg.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("openai API key: %w", err)
		}
		return openaiimpl.NewClient(key, cfg.Model), nil

	case config.ProviderGemini:
		key, err := secrets.Get(cfg.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("gemini API key: %w", err)
		}
		return geminiimpl.NewClient(key, cfg.Model), nil

	case config.ProviderOllama:
		// Local runtime, no API key.
		return ollamaimpl.NewClient(cfg.BaseURL, cfg.Model), nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
