// Package config provides hierarchical configuration loading for Code Tumbler.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the tumbler daemon.
type Config struct {
	Server      Server              `yaml:"server"`
	Workspace   Workspace           `yaml:"workspace"`
	Tumbler     Tumbler             `yaml:"tumbler"`
	Sandbox     Sandbox             `yaml:"sandbox"`
	Postgres    Postgres            `yaml:"postgres"`
	NATS        NATS                `yaml:"nats"`
	Logging     Logging             `yaml:"logging"`
	Breaker     Breaker             `yaml:"breaker"`
	Telemetry   Telemetry           `yaml:"telemetry"`
	Providers   map[string]Provider `yaml:"providers"`
	Active      string              `yaml:"active_provider"`
	AgentRoutes map[string]string   `yaml:"agent_providers"` // agent name -> provider id
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Workspace holds workspace filesystem configuration.
type Workspace struct {
	Root        string `yaml:"root"`
	AutoArchive bool   `yaml:"auto_archive"`
}

// Tumbler holds feedback-loop configuration.
type Tumbler struct {
	MaxIterations    int           `yaml:"max_iterations"`
	QualityThreshold float64       `yaml:"quality_threshold"`
	MaxCost          float64       `yaml:"max_cost"` // USD per project; 0 = unlimited
	MaxConcurrent    int           `yaml:"max_concurrent"`
	ProjectTimeout   time.Duration `yaml:"project_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	DebounceWindow   time.Duration `yaml:"debounce_window"`
	AgentRetries     int           `yaml:"agent_retries"`
	PlateauWindow    int           `yaml:"plateau_window"` // 0 disables plateau detection
}

// Sandbox holds container verification configuration.
type Sandbox struct {
	Enabled        bool          `yaml:"enabled"`
	Required       bool          `yaml:"required"` // fail startup if the proxy is unreachable
	DockerHost     string        `yaml:"docker_host"`
	TimeoutInstall time.Duration `yaml:"timeout_install"`
	TimeoutBuild   time.Duration `yaml:"timeout_build"`
	TimeoutTest    time.Duration `yaml:"timeout_test"`
	TimeoutLint    time.Duration `yaml:"timeout_lint"`
	Memory         string        `yaml:"memory"`
	CPUs           float64       `yaml:"cpus"`
	PidsLimit      int           `yaml:"pids_limit"`
	TmpfsSize      string        `yaml:"tmpfs_size"`
	NetworkInstall bool          `yaml:"network_install"`
}

// Postgres holds the optional mirror database configuration.
// An empty DSN disables the mirror entirely.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds the optional JetStream event fan-out configuration.
// An empty URL disables the forwarder.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Breaker holds circuit breaker configuration for provider calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Telemetry holds OpenTelemetry export configuration.
// An empty endpoint leaves telemetry disabled.
type Telemetry struct {
	Endpoint string `yaml:"otlp_endpoint"`
}

// Provider describes a single LLM backend.
type Provider struct {
	Type             string        `yaml:"type"` // "ollama", "openai", "anthropic", "gemini"
	BaseURL          string        `yaml:"base_url"`
	Model            string        `yaml:"model"`
	APIKeyEnv        string        `yaml:"api_key_env"` // env var holding the key; never the key itself
	CostInput1K      float64       `yaml:"cost_input_1k"`
	CostOutput1K     float64       `yaml:"cost_output_1k"`
	Temperature      float64       `yaml:"temperature"`
	MaxTokens        int           `yaml:"max_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	SupportsAsync    bool          `yaml:"supports_async"`
	ConcurrencyLimit int           `yaml:"concurrency_limit"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Workspace: Workspace{
			Root:        "./projects",
			AutoArchive: true,
		},
		Tumbler: Tumbler{
			MaxIterations:    10,
			QualityThreshold: 8.0,
			MaxCost:          0,
			MaxConcurrent:    2,
			ProjectTimeout:   time.Hour,
			DrainTimeout:     10 * time.Second,
			DebounceWindow:   2 * time.Second,
			AgentRetries:     1,
			PlateauWindow:    3,
		},
		Sandbox: Sandbox{
			Enabled:        true,
			Required:       false,
			TimeoutInstall: 300 * time.Second,
			TimeoutBuild:   300 * time.Second,
			TimeoutTest:    120 * time.Second,
			TimeoutLint:    60 * time.Second,
			Memory:         "1g",
			CPUs:           1.0,
			PidsLimit:      256,
			TmpfsSize:      "256m",
			NetworkInstall: true,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Logging: Logging{
			Level:   "info",
			Service: "tumbler-core",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Providers: map[string]Provider{
			"ollama_local": {
				Type:             "ollama",
				BaseURL:          "http://localhost:11434",
				Model:            "qwen2.5-coder:14b",
				Temperature:      0.7,
				Timeout:          300 * time.Second,
				ConcurrencyLimit: 4,
			},
		},
		Active:      "ollama_local",
		AgentRoutes: map[string]string{},
	}
}

// ResolveProvider returns the provider id an agent should use.
// Priority: project overrides > agent_providers routing > active_provider.
func (c *Config) ResolveProvider(agentName string, projectOverrides map[string]string) string {
	if id, ok := projectOverrides[agentName]; ok && id != "" {
		return id
	}
	if id, ok := c.AgentRoutes[agentName]; ok && id != "" {
		return id
	}
	return c.Active
}
