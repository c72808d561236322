package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Server.TokenEnv != "FORMCARD_API_TOKEN" {
		t.Errorf("Server.TokenEnv = %q", cfg.Server.TokenEnv)
	}
	if cfg.HomeAssistant.URL != "wss://ha.example.com/api/websocket" {
		t.Errorf("HomeAssistant.URL = %q", cfg.HomeAssistant.URL)
	}
	if cfg.HomeAssistant.RequestTimeout != 5*time.Second {
		t.Errorf("HomeAssistant.RequestTimeout = %v, want 5s", cfg.HomeAssistant.RequestTimeout)
	}
	if cfg.HomeAssistant.Reconnect.Multiplier != 1.5 {
		t.Errorf("Reconnect.Multiplier = %v, want 1.5", cfg.HomeAssistant.Reconnect.Multiplier)
	}
	if cfg.HomeAssistant.Reconnect.MaxElapsedTime != 5*time.Minute {
		t.Errorf("Reconnect.MaxElapsedTime = %v, want default 5m", cfg.HomeAssistant.Reconnect.MaxElapsedTime)
	}
	if len(cfg.Definitions.Directories) != 2 {
		t.Errorf("Definitions.Directories = %v, want 2 entries", cfg.Definitions.Directories)
	}
	if cfg.Templates.Predicate != "brace" {
		t.Errorf("Templates.Predicate = %q, want brace", cfg.Templates.Predicate)
	}
	if !cfg.Templates.Strict {
		t.Error("Templates.Strict = false, want default true")
	}
	if !cfg.Templates.ReportErrors {
		t.Error("Templates.ReportErrors = false, want true")
	}
	if cfg.Actions.SpreadPolicy != "overwrite" || !cfg.Actions.Preview {
		t.Errorf("Actions = %+v", cfg.Actions)
	}
	if b := cfg.Actions.Breaker; b.FailureThreshold != 3 || b.SuccessThreshold != 2 || b.OpenTimeout != time.Minute {
		t.Errorf("Actions.Breaker = %+v, want 3 failures, default 2 successes, 1m", b)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_bad_url(t *testing.T) {
	_, err := Load("testdata/bad_url.yaml")
	if err == nil {
		t.Fatal("Load() with http url should return error")
	}
	if !strings.Contains(err.Error(), "home_assistant.url") {
		t.Errorf("error = %v, want home_assistant.url mention", err)
	}
}

func TestLoad_collects_all_errors(t *testing.T) {
	_, err := Load("testdata/bad_policy.yaml")
	if err == nil {
		t.Fatal("Load() with bad policies should return error")
	}
	for _, want := range []string{"templates.predicate", "actions.spread_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %v, want %s mention", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Templates.Predicate != "jinja" {
		t.Errorf("default Templates.Predicate = %q, want jinja", cfg.Templates.Predicate)
	}
	if cfg.Actions.SpreadPolicy != "fill_gaps" {
		t.Errorf("default Actions.SpreadPolicy = %q, want fill_gaps", cfg.Actions.SpreadPolicy)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORMCARD_SERVER_PORT", "3000")
	t.Setenv("FORMCARD_HOME_ASSISTANT_URL", "ws://10.0.0.2:8123/api/websocket")
	t.Setenv("FORMCARD_DEFINITIONS_DIRECTORIES", "/a,/b,/c")
	t.Setenv("FORMCARD_ACTIONS_PREVIEW", "false")
	t.Setenv("FORMCARD_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.HomeAssistant.URL != "ws://10.0.0.2:8123/api/websocket" {
		t.Errorf("HomeAssistant.URL = %q, want env override", cfg.HomeAssistant.URL)
	}
	if len(cfg.Definitions.Directories) != 3 {
		t.Errorf("Definitions.Directories = %v, want 3 entries", cfg.Definitions.Directories)
	}
	if cfg.Actions.Preview {
		t.Error("Actions.Preview = true, want false (env override)")
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"empty url", func(c *Config) { c.HomeAssistant.URL = "" }},
		{"empty token env", func(c *Config) { c.HomeAssistant.TokenEnv = "" }},
		{"zero request timeout", func(c *Config) { c.HomeAssistant.RequestTimeout = 0 }},
		{"shrinking backoff", func(c *Config) { c.HomeAssistant.Reconnect.Multiplier = 0.5 }},
		{"no directories", func(c *Config) { c.Definitions.Directories = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}
