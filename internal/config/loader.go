package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "aegiscore.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AEGIS_PORT")
	setString(&cfg.Server.CORSOrigin, "AEGIS_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AEGIS_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AEGIS_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AEGIS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AEGIS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AEGIS_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "AEGIS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AEGIS_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AEGIS_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AEGIS_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AEGIS_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "AEGIS_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AEGIS_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "AEGIS_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "AEGIS_RATE_MAX_IDLE_TIME")

	// Registry
	setDuration(&cfg.Registry.HeartbeatInterval, "AEGIS_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Registry.HeartbeatTimeout, "AEGIS_HEARTBEAT_TIMEOUT")
	setInt(&cfg.Registry.MissThreshold, "AEGIS_MISS_THRESHOLD")
	setStrings(&cfg.Registry.ExtraCategories, "AEGIS_EXTRA_CATEGORIES")

	// Router
	setInt(&cfg.Router.HighWaterMark, "AEGIS_QUEUE_HIGH_WATER")
	setDuration(&cfg.Router.AgingThreshold, "AEGIS_AGING_THRESHOLD")
	setDuration(&cfg.Router.AgingInterval, "AEGIS_AGING_INTERVAL")
	setInt(&cfg.Router.MaxAttempts, "AEGIS_MAX_ATTEMPTS")
	setInt64(&cfg.Router.MaxConcurrentDeliveries, "AEGIS_MAX_DELIVERIES")
	setDuration(&cfg.Router.DispatchInterval, "AEGIS_DISPATCH_INTERVAL")

	// Sweep
	setDuration(&cfg.Sweep.Interval, "AEGIS_SWEEP_INTERVAL")

	// Resolver
	setDuration(&cfg.Resolver.Window, "AEGIS_RESOLVER_WINDOW")
	setFloat64(&cfg.Resolver.Epsilon, "AEGIS_RESOLVER_EPSILON")
	setFloat64(&cfg.Resolver.HighConfidence, "AEGIS_RESOLVER_HIGH_CONFIDENCE")

	// Cache
	setInt64(&cfg.Cache.MaxSizeMB, "AEGIS_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "AEGIS_CACHE_TTL")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "AEGIS_OTEL_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "AEGIS_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Registry.MissThreshold < 1 {
		return errors.New("registry.miss_threshold must be >= 1")
	}
	if cfg.Registry.HeartbeatTimeout <= 0 {
		return errors.New("registry.heartbeat_timeout must be > 0")
	}
	if cfg.Router.HighWaterMark < 1 {
		return errors.New("router.high_water_mark must be >= 1")
	}
	if cfg.Router.MaxAttempts < 1 {
		return errors.New("router.max_attempts must be >= 1")
	}
	if cfg.Resolver.Epsilon < 0 {
		return errors.New("resolver.epsilon must be >= 0")
	}
	if cfg.Resolver.HighConfidence <= 0 || cfg.Resolver.HighConfidence > 1 {
		return errors.New("resolver.high_confidence must be in (0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
