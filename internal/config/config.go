package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Replay     ReplayConfig     `yaml:"replay"`
	Controller ControllerConfig `yaml:"controller"`
	Routing    RoutingConfig    `yaml:"routing"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type BufferConfig struct {
	// Backend selects the store implementation: "memory" or "postgres".
	Backend           string        `yaml:"backend"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	TTL               time.Duration `yaml:"ttl"`
	Postgres          PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type IngestConfig struct {
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
	RedactHeaders   []string `yaml:"redact_headers"`
	TokenizeHeaders []string `yaml:"tokenize_headers"`
}

type ReplayConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	Workers          int           `yaml:"workers"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	MinRatePerSecond float64       `yaml:"min_rate_per_second"`
	CycleInterval    time.Duration `yaml:"cycle_interval"`
	CycleDeadline    time.Duration `yaml:"cycle_deadline"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	BreakerCoolDown  time.Duration `yaml:"breaker_cool_down"`
}

type ControllerConfig struct {
	DivertWeight   int           `yaml:"divert_weight"`
	CoolDown       time.Duration `yaml:"cool_down"`
	DwellTime      time.Duration `yaml:"dwell_time"`
	ReconcileEvery time.Duration `yaml:"reconcile_every"`
	DriftGrace     time.Duration `yaml:"drift_grace"`
	StatePath      string        `yaml:"state_path"`
}

type RoutingConfig struct {
	ControlURL     string        `yaml:"control_url"`
	ResubmitURL    string        `yaml:"resubmit_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns a configuration with production defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML config file, applies defaults, then env overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Buffer.Backend == "" {
		c.Buffer.Backend = "memory"
	}
	if c.Buffer.VisibilityTimeout == 0 {
		c.Buffer.VisibilityTimeout = 30 * time.Second
	}
	if c.Buffer.TTL == 0 {
		c.Buffer.TTL = 15 * time.Minute
	}
	if c.Buffer.Postgres.Port == 0 {
		c.Buffer.Postgres.Port = 5432
	}
	if c.Buffer.Postgres.SSLMode == "" {
		c.Buffer.Postgres.SSLMode = "disable"
	}
	if c.Ingest.MaxBodyBytes == 0 {
		c.Ingest.MaxBodyBytes = 1 << 20 // 1MB
	}
	if c.Ingest.RedactHeaders == nil {
		c.Ingest.RedactHeaders = []string{
			"Authorization", "Proxy-Authorization",
			"Cookie", "Set-Cookie", "X-Api-Key",
		}
	}
	if c.Replay.BatchSize == 0 {
		c.Replay.BatchSize = 50
	}
	if c.Replay.Workers == 0 {
		c.Replay.Workers = 4
	}
	if c.Replay.RatePerSecond == 0 {
		c.Replay.RatePerSecond = 100
	}
	if c.Replay.MinRatePerSecond == 0 {
		c.Replay.MinRatePerSecond = 1
	}
	if c.Replay.CycleInterval == 0 {
		c.Replay.CycleInterval = time.Second
	}
	if c.Replay.CycleDeadline == 0 {
		c.Replay.CycleDeadline = 30 * time.Second
	}
	if c.Replay.RequestTimeout == 0 {
		c.Replay.RequestTimeout = 10 * time.Second
	}
	if c.Replay.FailureThreshold == 0 {
		c.Replay.FailureThreshold = 3
	}
	if c.Replay.BreakerCoolDown == 0 {
		c.Replay.BreakerCoolDown = 30 * time.Second
	}
	if c.Controller.DivertWeight == 0 {
		c.Controller.DivertWeight = 50
	}
	if c.Controller.CoolDown == 0 {
		c.Controller.CoolDown = 2 * time.Minute
	}
	if c.Controller.DwellTime == 0 {
		c.Controller.DwellTime = 30 * time.Second
	}
	if c.Controller.ReconcileEvery == 0 {
		c.Controller.ReconcileEvery = 15 * time.Second
	}
	if c.Controller.DriftGrace == 0 {
		c.Controller.DriftGrace = 30 * time.Second
	}
	if c.Controller.StatePath == "" {
		c.Controller.StatePath = "/var/lib/spillway/mode.json"
	}
	if c.Routing.RequestTimeout == 0 {
		c.Routing.RequestTimeout = 5 * time.Second
	}
}

// Validate checks configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	switch c.Buffer.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("config: unknown buffer backend %q", c.Buffer.Backend)
	}
	if c.Controller.DivertWeight < 1 || c.Controller.DivertWeight > 100 {
		return fmt.Errorf("config: divert_weight must be 1..100, got %d", c.Controller.DivertWeight)
	}
	if c.Replay.MinRatePerSecond > c.Replay.RatePerSecond {
		return errors.New("config: min_rate_per_second exceeds rate_per_second")
	}
	if c.Routing.ControlURL == "" {
		return errors.New("config: routing control_url is required")
	}
	if c.Routing.ResubmitURL == "" {
		return errors.New("config: routing resubmit_url is required")
	}
	return nil
}
