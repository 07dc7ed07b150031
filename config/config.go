// Package config loads server configuration from the environment,
// with a .env file picked up in development.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

// Config holds everything the server needs to start.
type Config struct {
	// Port the HTTP API listens on.
	Port string

	// DatabaseURL selects the PostgreSQL store when set; otherwise the
	// server falls back to SQLite at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// LibraryAPIKey authenticates against data4library.kr. Optional:
	// book search returns empty results without it.
	LibraryAPIKey string

	LogLevel    string
	Environment string

	// AllowedOrigins for CORS, comma-separated.
	AllowedOrigins []string
}

// Load reads configuration from the environment. A missing .env file
// is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    getEnv("SQLITE_PATH", "./data/readingtree.db"),
		LibraryAPIKey: os.Getenv("LIBRARY_API_KEY"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Environment:   getEnv("ENVIRONMENT", EnvironmentDevelopment),
	}

	origins := getEnv("ALLOWED_ORIGINS", "*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("either DATABASE_URL or SQLITE_PATH must be set")
	}
	return nil
}

// IsProduction reports whether the server runs with production settings
// (JSON logs, no permissive defaults).
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
