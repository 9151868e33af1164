// Package config loads process configuration from the environment
// using a getEnv*/defaultValue style, with a .env file loaded first via
// godotenv for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/web3guy0/spotx/internal/money"
)

// Config holds everything cmd/spotx needs to stand up the engine.
type Config struct {
	// HTTP/WS server
	ListenAddr string
	CORSOrigins []string

	// Store
	DatabaseDSN string
	TxTimeout   time.Duration

	// Domain parameters
	CommissionRate money.Decimal

	Debug bool
}

// Load reads process environment variables, applying a sane default
// for every non-domain setting. A .env file in the working directory is
// loaded first if present; its absence is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		DatabaseDSN: getEnv("DATABASE_DSN", "data/spotx.db"),
		TxTimeout:   getEnvDuration("TX_TIMEOUT", 5*time.Second),
		Debug:       getEnvBool("DEBUG", false),
	}

	rate, err := money.Parse(getEnv("COMMISSION_RATE", "0.01500000"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid COMMISSION_RATE: %w", err)
	}
	cfg.CommissionRate = rate

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
