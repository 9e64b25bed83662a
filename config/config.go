package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Database
	DatabaseURL string

	// Web server
	Bind           string
	AllowedOrigins []string

	// Payment processor
	StripeSecretKey string

	// Card issuing. Real issuing needs both the flag and a provisioned
	// cardholder; otherwise cards are simulated.
	StripeIssuingEnabled bool
	StripeCardholderID   string
}

func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		Bind:                 getEnvDefault("BIND", ":5000"),
		AllowedOrigins:       splitList(getEnvDefault("ALLOWED_ORIGINS", "http://localhost:3000")),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeIssuingEnabled: os.Getenv("STRIPE_ISSUING_ENABLED") == "true",
		StripeCardholderID:   os.Getenv("STRIPE_CARDHOLDER_ID"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY is required")
	}

	return cfg, nil
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
