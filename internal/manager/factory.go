package manager

import (
	"fmt"
	"net/http"

	"github.com/vnmchuo/llm-manager/config"
	"github.com/vnmchuo/llm-manager/internal/provider"
	"github.com/vnmchuo/llm-manager/internal/provider/claude"
	"github.com/vnmchuo/llm-manager/internal/provider/gemini"
	"github.com/vnmchuo/llm-manager/internal/provider/openai"
	"github.com/vnmchuo/llm-manager/internal/usage"
)

// AdapterFactory builds the adapter for one configured provider.
type AdapterFactory func(cfg config.ProviderConfig, client *http.Client) (provider.Adapter, error)

func DefaultFactory(cfg config.ProviderConfig, client *http.Client) (provider.Adapter, error) {
	opts := provider.Options{
		ID:           cfg.ID,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.DefaultModel,
		Models:       Catalog(cfg),
		HTTPClient:   client,
	}
	switch {
	case cfg.Kind == "claude":
		return claude.New(opts), nil
	case cfg.Kind == "gemini":
		return gemini.New(opts), nil
	case openai.Supports(cfg.Kind):
		return openai.New(cfg.Kind, opts)
	default:
		return nil, fmt.Errorf("provider %q: no adapter for kind %q", cfg.ID, cfg.Kind)
	}
}

// Catalog converts the configured model table into descriptors.
func Catalog(cfg config.ProviderConfig) []provider.ModelDescriptor {
	if len(cfg.Models) == 0 {
		return nil
	}
	out := make([]provider.ModelDescriptor, 0, len(cfg.Models))
	for name, m := range cfg.Models {
		out = append(out, provider.ModelDescriptor{
			Name:          name,
			Provider:      cfg.ID,
			MaxTokens:     m.MaxTokens,
			ContextLength: m.ContextLength,
			TokenRate:     m.TokenRate,
			Vision:        m.Vision,
		})
	}
	return out
}

func ratesOf(snap *config.Snapshot) usage.Rates {
	rates := make(usage.Rates, len(snap.Providers))
	for _, p := range snap.Providers {
		models := make(map[string]float64, len(p.Models))
		for name, m := range p.Models {
			models[name] = m.TokenRate
		}
		rates[p.ID] = models
	}
	return rates
}
