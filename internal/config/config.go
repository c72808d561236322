// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Actions       ActionsConfig       `yaml:"actions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TokenEnv names the environment variable holding the bearer token API
	// clients must present. Empty disables authentication.
	TokenEnv string     `yaml:"token_env"`
	CORS     CORSConfig `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// HomeAssistantConfig describes the websocket connection to Home Assistant.
type HomeAssistantConfig struct {
	URL            string        `yaml:"url"`
	TokenEnv       string        `yaml:"token_env"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Reconnect      BackoffConfig `yaml:"reconnect"`
}

// BackoffConfig describes exponential retry settings.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// DefinitionsConfig describes where to find card definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// TemplatesConfig describes how templates are detected and rendered.
type TemplatesConfig struct {
	// Predicate is "jinja" or "brace".
	Predicate    string `yaml:"predicate"`
	Strict       bool   `yaml:"strict"`
	ReportErrors bool   `yaml:"report_errors"`
}

// ActionsConfig describes action dispatch policy.
type ActionsConfig struct {
	// SpreadPolicy is "fill_gaps" or "overwrite".
	SpreadPolicy string `yaml:"spread_policy"`
	// Preview emits actions as events instead of calling services.
	Preview bool                 `yaml:"preview"`
	Breaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes when service calls fail fast after the
// backend stops answering.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		HomeAssistant: HomeAssistantConfig{
			URL:            "ws://homeassistant.local:8123/api/websocket",
			TokenEnv:       "HASS_TOKEN",
			DialTimeout:    10 * time.Second,
			RequestTimeout: 15 * time.Second,
			Reconnect: BackoffConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
				MaxElapsedTime:  5 * time.Minute,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Templates: TemplatesConfig{
			Predicate: "jinja",
			Strict:    true,
		},
		Actions: ActionsConfig{
			SpreadPolicy: "fill_gaps",
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if c.HomeAssistant.URL == "" {
		errs = append(errs, "home_assistant.url is required")
	} else if u, err := url.Parse(c.HomeAssistant.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, "home_assistant.url must be a ws:// or wss:// URL")
	}
	if c.HomeAssistant.TokenEnv == "" {
		errs = append(errs, "home_assistant.token_env is required")
	}
	if c.HomeAssistant.RequestTimeout <= 0 {
		errs = append(errs, "home_assistant.request_timeout must be positive")
	}
	if c.HomeAssistant.Reconnect.Multiplier < 1 {
		errs = append(errs, "home_assistant.reconnect.multiplier must be at least 1")
	}

	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}

	switch c.Templates.Predicate {
	case "jinja", "brace":
	default:
		errs = append(errs, fmt.Sprintf("templates.predicate %q must be jinja or brace", c.Templates.Predicate))
	}

	switch c.Actions.SpreadPolicy {
	case "fill_gaps", "overwrite":
	default:
		errs = append(errs, fmt.Sprintf("actions.spread_policy %q must be fill_gaps or overwrite", c.Actions.SpreadPolicy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads FORMCARD_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORMCARD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FORMCARD_HOME_ASSISTANT_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("FORMCARD_HOME_ASSISTANT_TOKEN_ENV"); v != "" {
		cfg.HomeAssistant.TokenEnv = v
	}
	if v := os.Getenv("FORMCARD_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("FORMCARD_ACTIONS_PREVIEW"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Actions.Preview = b
		}
	}
	if v := os.Getenv("FORMCARD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
