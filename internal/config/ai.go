package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeAnthropic        = "anthropic"
	ProviderTypeOpenAICompatible = "openai_compatible"
)

type Provider struct {
	// ID is a stable internal id. It must not change once used for key routing.
	ID string `json:"id" yaml:"id" toml:"id"`

	Name string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type" yaml:"type" toml:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`

	Models []ProviderModel `json:"models,omitempty" yaml:"models,omitempty" toml:"models,omitempty"`
}

type ProviderModel struct {
	ModelName string `json:"model_name" yaml:"model_name" toml:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `json:"is_default,omitempty" yaml:"is_default,omitempty" toml:"is_default,omitempty"`
}

func validateProviders(providers []Provider) error {
	if len(providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(providers))
	defaultCount := 0
	for i := range providers {
		p := providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeOpenAICompatible:
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == ProviderTypeOpenAICompatible && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}
	return nil
}

// DefaultModel returns the provider and model name marked as default.
//
// It assumes Validate() has passed. When config is incomplete, ok is false.
func (c *OrchestratorConfig) DefaultModel() (provider Provider, model string, ok bool) {
	if c == nil {
		return Provider{}, "", false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			mn := strings.TrimSpace(m.ModelName)
			if mn == "" {
				continue
			}
			return p, mn, true
		}
	}
	return Provider{}, "", false
}

// FindProvider returns the provider with the given id.
func (c *OrchestratorConfig) FindProvider(id string) (Provider, bool) {
	if c == nil {
		return Provider{}, false
	}
	id = strings.TrimSpace(id)
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == id {
			return p, true
		}
	}
	return Provider{}, false
}
