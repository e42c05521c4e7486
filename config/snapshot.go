package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoProviders means no provider survived credential resolution.
var ErrNoProviders = errors.New("no usable providers configured")

// Kinds understood by the adapter factory.
var knownKinds = map[string]bool{
	"openai": true, "deepseek": true, "qwen": true, "kimi": true,
	"glm": true, "local": true, "claude": true, "gemini": true,
}

type ModelConfig struct {
	MaxTokens     int     `yaml:"max_tokens"`
	ContextLength int     `yaml:"context_length"`
	TokenRate     float64 `yaml:"token_rate"`
	Vision        bool    `yaml:"vision"`
}

type ProviderConfig struct {
	ID             string                 `yaml:"id"`
	Kind           string                 `yaml:"kind"`
	APIKey         string                 `yaml:"api_key"`
	BaseURL        string                 `yaml:"base_url"`
	DefaultModel   string                 `yaml:"default_model"`
	Models         map[string]ModelConfig `yaml:"models"`
	Priority       int                    `yaml:"priority"`
	Enabled        *bool                  `yaml:"enabled"`
	MaxConcurrency int                    `yaml:"max_concurrency"`
}

func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type CacheConfig struct {
	Backend        string  `yaml:"backend"` // "memory" or "redis"
	TTLSeconds     int     `yaml:"ttl_seconds"`
	MaxEntries     int     `yaml:"max_entries"`
	MaxTemperature float64 `yaml:"max_temperature"`
	// SweepSeconds is how often expired in-memory entries are dropped.
	SweepSeconds int `yaml:"sweep_seconds"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

type HealthConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
	FailureThreshold     int `yaml:"failure_threshold"`
	CooldownSeconds      int `yaml:"cooldown_seconds"`
}

type BatchConfig struct {
	Workers int `yaml:"workers"`
}

type BudgetConfig struct {
	WarnCost float64 `yaml:"warn_cost"`
}

// Snapshot is an immutable provider configuration. Reconfiguration builds
// a new Snapshot rather than editing one in place.
type Snapshot struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
	Cache           CacheConfig      `yaml:"cache"`
	Retry           RetryConfig      `yaml:"retry"`
	Health          HealthConfig     `yaml:"health"`
	Budget          BudgetConfig     `yaml:"budget"`
	Batch           BatchConfig      `yaml:"batch"`
	TimeoutSeconds  float64          `yaml:"timeout_seconds"`
	DeadlineSeconds float64          `yaml:"deadline_seconds"`

	// Providers removed for missing credentials or being disabled.
	Skipped []string `yaml:"-"`
}

const defaultMaxConcurrency = 8

func defaultSnapshot() Snapshot {
	return Snapshot{
		Cache: CacheConfig{
			Backend:      "memory",
			TTLSeconds:   3600,
			MaxEntries:   1000,
			SweepSeconds: 300,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMs: 500,
			MaxDelayMs:  8000,
		},
		Health: HealthConfig{
			CheckIntervalSeconds: 30,
			FailureThreshold:     3,
			CooldownSeconds:      60,
		},
		TimeoutSeconds: 60,
	}
}

// LoadSnapshot reads and parses the YAML provider file at path.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes YAML, expands ${VAR} and ${VAR:-default}
// references, drops providers without usable credentials and validates
// the rest. Keys left out keep their defaults; an explicit zero is kept.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	snap := defaultSnapshot()
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse provider config: %w", err)
	}

	usable := snap.Providers[:0]
	seen := make(map[string]bool)
	for _, p := range snap.Providers {
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.ID == "" {
			p.ID = p.Kind
		}
		if !knownKinds[p.Kind] {
			return nil, fmt.Errorf("provider %q: unknown kind %q", p.ID, p.Kind)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("provider %q: duplicate id", p.ID)
		}
		seen[p.ID] = true

		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
		if !p.IsEnabled() || (p.Kind != "local" && !credentialSet(p.APIKey)) {
			snap.Skipped = append(snap.Skipped, p.ID)
			continue
		}
		if p.MaxConcurrency <= 0 {
			p.MaxConcurrency = defaultMaxConcurrency
		}
		if len(p.Models) > 0 {
			if p.DefaultModel == "" {
				p.DefaultModel = firstModel(p.Models)
			}
			if _, ok := p.Models[p.DefaultModel]; !ok {
				return nil, fmt.Errorf("provider %q: default_model %q not in models", p.ID, p.DefaultModel)
			}
		}
		usable = append(usable, p)
	}
	snap.Providers = usable

	if len(snap.Providers) == 0 {
		return nil, ErrNoProviders
	}
	if snap.DefaultProvider != "" && snap.Provider(snap.DefaultProvider) == nil {
		snap.Skipped = append(snap.Skipped, "default:"+snap.DefaultProvider)
		snap.DefaultProvider = ""
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Snapshot) validate() error {
	if s.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must not be negative")
	}
	if s.Cache.SweepSeconds <= 0 {
		return fmt.Errorf("cache.sweep_seconds must be positive")
	}
	switch s.Cache.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("cache.backend %q must be memory or redis", s.Cache.Backend)
	}
	if s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if s.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1")
	}
	if s.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	return nil
}

// expandEnv resolves ${VAR} and ${VAR:-default}.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

func firstModel(models map[string]ModelConfig) string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

func credentialSet(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && !strings.Contains(key, "${")
}

// Provider returns the provider with the given id, or nil.
func (s *Snapshot) Provider(id string) *ProviderConfig {
	for i := range s.Providers {
		if s.Providers[i].ID == id {
			return &s.Providers[i]
		}
	}
	return nil
}

// ByPriority lists providers by ascending priority value, ties by id.
func (s *Snapshot) ByPriority() []ProviderConfig {
	out := make([]ProviderConfig, len(s.Providers))
	copy(out, s.Providers)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Snapshot) CacheTTL() time.Duration {
	return time.Duration(s.Cache.TTLSeconds) * time.Second
}

func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

func (s *Snapshot) Timeout() time.Duration {
	return seconds(s.TimeoutSeconds)
}

// Deadline is zero when no overall deadline is configured.
func (s *Snapshot) Deadline() time.Duration {
	return seconds(s.DeadlineSeconds)
}

func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

func (h HealthConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalSeconds) * time.Second
}

func (h HealthConfig) Cooldown() time.Duration {
	return time.Duration(h.CooldownSeconds) * time.Second
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
