package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Provider snapshot
	ProvidersFile string // default: config/llm.yaml

	// Database (optional, enables usage persistence)
	PostgresDSN string

	// Cache / quotas (optional)
	RedisAddr string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string
	LogFormat            string // "text" or "json"

	// Per-provider quota in tokens per minute, 0 disables
	ProviderRateLimitTPM int64
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		ProvidersFile:        getEnv("LLM_CONFIG_FILE", "config/llm.yaml"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
	}

	tpm, err := strconv.ParseInt(getEnv("PROVIDER_RATE_LIMIT_TPM", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_RATE_LIMIT_TPM: %w", err)
	}
	cfg.ProviderRateLimitTPM = tpm

	switch cfg.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return nil, fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q", cfg.OTELExporterType)
	}
	if cfg.ProviderRateLimitTPM > 0 && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when PROVIDER_RATE_LIMIT_TPM is set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
