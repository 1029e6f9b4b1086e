package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "tumbler.yaml"

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
	setString(&cfg.Server.Port, "TUMBLER_PORT")
	setString(&cfg.Server.CORSOrigin, "TUMBLER_CORS_ORIGIN")
	setString(&cfg.Workspace.Root, "TUMBLER_WORKSPACE")
	setBool(&cfg.Workspace.AutoArchive, "TUMBLER_AUTO_ARCHIVE")
	setInt(&cfg.Tumbler.MaxIterations, "TUMBLER_MAX_ITERATIONS")
	setFloat64(&cfg.Tumbler.QualityThreshold, "TUMBLER_QUALITY_THRESHOLD")
	setFloat64(&cfg.Tumbler.MaxCost, "TUMBLER_MAX_COST")
	setInt(&cfg.Tumbler.MaxConcurrent, "TUMBLER_MAX_CONCURRENT")
	setDuration(&cfg.Tumbler.ProjectTimeout, "TUMBLER_PROJECT_TIMEOUT")
	setDuration(&cfg.Tumbler.DrainTimeout, "TUMBLER_DRAIN_TIMEOUT")
	setDuration(&cfg.Tumbler.DebounceWindow, "TUMBLER_DEBOUNCE_WINDOW")
	setInt(&cfg.Tumbler.AgentRetries, "TUMBLER_AGENT_RETRIES")
	setBool(&cfg.Sandbox.Enabled, "TUMBLER_SANDBOX_ENABLED")
	setBool(&cfg.Sandbox.Required, "TUMBLER_SANDBOX_REQUIRED")
	setString(&cfg.Sandbox.DockerHost, "DOCKER_HOST")
	setDuration(&cfg.Sandbox.TimeoutInstall, "TUMBLER_SANDBOX_TIMEOUT_INSTALL")
	setDuration(&cfg.Sandbox.TimeoutBuild, "TUMBLER_SANDBOX_TIMEOUT_BUILD")
	setDuration(&cfg.Sandbox.TimeoutTest, "TUMBLER_SANDBOX_TIMEOUT_TEST")
	setDuration(&cfg.Sandbox.TimeoutLint, "TUMBLER_SANDBOX_TIMEOUT_LINT")
	setString(&cfg.Sandbox.Memory, "TUMBLER_SANDBOX_MEMORY")
	setFloat64(&cfg.Sandbox.CPUs, "TUMBLER_SANDBOX_CPUS")
	setInt(&cfg.Sandbox.PidsLimit, "TUMBLER_SANDBOX_PIDS_LIMIT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TUMBLER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TUMBLER_PG_MIN_CONNS")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "TUMBLER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TUMBLER_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "TUMBLER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TUMBLER_BREAKER_TIMEOUT")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Active, "TUMBLER_ACTIVE_PROVIDER")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Workspace.Root == "" {
		return errors.New("workspace.root is required")
	}
	if cfg.Tumbler.MaxIterations < 1 {
		return errors.New("tumbler.max_iterations must be >= 1")
	}
	if cfg.Tumbler.QualityThreshold < 0 || cfg.Tumbler.QualityThreshold > 10 {
		return errors.New("tumbler.quality_threshold must be in [0,10]")
	}
	if cfg.Tumbler.MaxCost < 0 {
		return errors.New("tumbler.max_cost must be >= 0")
	}
	if cfg.Tumbler.MaxConcurrent < 1 {
		return errors.New("tumbler.max_concurrent must be >= 1")
	}
	if len(cfg.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	if _, ok := cfg.Providers[cfg.Active]; !ok {
		return fmt.Errorf("active_provider %q not found in providers", cfg.Active)
	}
	for name, route := range cfg.AgentRoutes {
		if _, ok := cfg.Providers[route]; !ok {
			return fmt.Errorf("agent_providers.%s references unknown provider %q", name, route)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
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
