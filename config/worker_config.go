// Package config loads environment-based configuration for the worker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all runtime configuration. URLs for remote model services are
// required only by the commands that use them; Validate checks per-command.
type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// Remote model services
	EmbeddingURL          string
	VLLMURL               string
	SpacyAPIURL           string
	FasttextLangdetectURL string

	// Transform
	PromptsDir       string
	CapabilitiesPath string

	// Logging
	LogLevel string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		EmbeddingURL:          getEnv("EMBEDDING_URL", ""),
		VLLMURL:               getEnv("VLLM_URL", ""),
		SpacyAPIURL:           getEnv("SPACY_API_URL", ""),
		FasttextLangdetectURL: getEnv("FASTTEXT_LANGDETECT_URL", ""),

		PromptsDir:       getEnv("PROMPTS_DIR", "prompts"),
		CapabilitiesPath: getEnv("CAPABILITIES_PATH", defaultCapabilitiesPath()),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}, nil
}

// RequireTransform validates the configuration needed by a transform run.
// The capability registry enforces service availability separately; this only
// catches unset URLs so the run fails before touching the database.
func (c *Config) RequireTransform() error {
	missing := []string{}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.EmbeddingURL == "" {
		missing = append(missing, "EMBEDDING_URL")
	}
	if c.VLLMURL == "" {
		missing = append(missing, "VLLM_URL")
	}
	if c.SpacyAPIURL == "" {
		missing = append(missing, "SPACY_API_URL")
	}
	if c.FasttextLangdetectURL == "" {
		missing = append(missing, "FASTTEXT_LANGDETECT_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("configuration incomplete (missing: %s)", strings.Join(missing, ", "))
	}
	return nil
}

// RequireDatabase validates configuration for database-only commands.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("configuration incomplete (missing: DATABASE_URL)")
	}
	return nil
}

func defaultCapabilitiesPath() string {
	return filepath.Join(".", "capabilities.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
