package config

import (
	"testing"
	"time"
)

func TestLoadRequiresAgentCommand(t *testing.T) {
	t.Setenv("AGENT_COMMAND", "")
	t.Setenv("BEARER_TOKEN", "secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when AGENT_COMMAND is unset")
	}
}

func TestLoadRequiresAuth(t *testing.T) {
	t.Setenv("AGENT_COMMAND", "agent")
	t.Setenv("BEARER_TOKEN", "")
	t.Setenv("JWKS_ENDPOINT", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when neither BEARER_TOKEN nor JWKS_ENDPOINT is set")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_COMMAND", "agent")
	t.Setenv("BEARER_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RequestTimeout != 120*time.Second {
		t.Errorf("RequestTimeout = %v, want 120s", cfg.RequestTimeout)
	}
	if cfg.EventRetention != 2000 {
		t.Errorf("EventRetention = %d, want 2000", cfg.EventRetention)
	}
	if cfg.MaxScrollbackBytes != 2*1024*1024 {
		t.Errorf("MaxScrollbackBytes = %d, want 2MiB", cfg.MaxScrollbackBytes)
	}
	if cfg.ShowRolloutLogs {
		t.Error("ShowRolloutLogs should default to false")
	}
	if cfg.HTTPWriteTimeout != 0 {
		t.Errorf("HTTPWriteTimeout = %v, want 0 (disabled for long-lived connections)", cfg.HTTPWriteTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_COMMAND", "agent")
	t.Setenv("BEARER_TOKEN", "secret")
	t.Setenv("WORKER_PORT", "9090")
	t.Setenv("EVENT_RETENTION", "500")
	t.Setenv("WORKER_SHOW_ROLLOUT_WARNINGS", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.EventRetention != 500 {
		t.Errorf("EventRetention = %d, want 500", cfg.EventRetention)
	}
	if !cfg.ShowRolloutLogs {
		t.Error("ShowRolloutLogs should be true")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v, want 2 entries", cfg.AllowedOrigins)
	}
}
