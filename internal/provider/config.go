package provider

import (
	"time"

	"github.com/nerrad567/packflow/internal/infrastructure/config"
)

// FromConfig wires the three supported backends and the configured family
// table into a Gateway. No backend client is built until first use.
func FromConfig(cfg config.ProvidersConfig, logger Logger) (*Gateway, error) {
	families, err := ParseFamilies(cfg.Families)
	if err != nil {
		return nil, err
	}

	hc := NewHTTPClient()
	clients := NewClients(map[string]Factory{
		ProviderGemini:    NewGeminiFactory(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, hc),
		ProviderAnthropic: NewAnthropicFactory(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, hc),
		ProviderOpenAI:    NewOpenAIFactory(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, hc),
	})

	return NewGateway(clients, families, Options{
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
		Budget:    time.Duration(cfg.Budget) * time.Second,
		MaxTokens: cfg.MaxTokens,
		Logger:    logger,
	}), nil
}
