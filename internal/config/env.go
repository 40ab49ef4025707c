package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration overrides from environment variables
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("SPILLWAY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("SPILLWAY_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if backend := os.Getenv("SPILLWAY_BUFFER_BACKEND"); backend != "" {
		cfg.Buffer.Backend = backend
	}

	if ttl := os.Getenv("SPILLWAY_BUFFER_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.Buffer.TTL = d
		}
	}

	if host := os.Getenv("SPILLWAY_PG_HOST"); host != "" {
		cfg.Buffer.Postgres.Host = host
	}
	if pass := os.Getenv("SPILLWAY_PG_PASSWORD"); pass != "" {
		cfg.Buffer.Postgres.Password = pass
	}

	if url := os.Getenv("SPILLWAY_ROUTING_CONTROL_URL"); url != "" {
		cfg.Routing.ControlURL = url
	}
	if url := os.Getenv("SPILLWAY_ROUTING_RESUBMIT_URL"); url != "" {
		cfg.Routing.ResubmitURL = url
	}

	if weight := os.Getenv("SPILLWAY_DIVERT_WEIGHT"); weight != "" {
		if w, err := strconv.Atoi(weight); err == nil {
			cfg.Controller.DivertWeight = w
		}
	}

	if rate := os.Getenv("SPILLWAY_REPLAY_RATE"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.Replay.RatePerSecond = r
		}
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
