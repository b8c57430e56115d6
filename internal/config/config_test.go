package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transport != TransportWS {
		t.Errorf("expected ws transport, got %q", cfg.Transport)
	}
	if cfg.Session.MaxReconnects != 5 {
		t.Errorf("expected 5 reconnect attempts, got %d", cfg.Session.MaxReconnects)
	}
	if cfg.Live.PingInterval != 30*time.Second {
		t.Errorf("unexpected ping interval %s", cfg.Live.PingInterval)
	}
	if cfg.Redis.Addr != "" || cfg.Metrics.Addr != "" {
		t.Errorf("optional integrations must be off by default: %+v %+v", cfg.Redis, cfg.Metrics)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CHAT_TOKEN", "tok")
	t.Setenv("CHAT_TRANSPORT", "nats")
	t.Setenv("CHAT_API_URL", "http://api.example")
	t.Setenv("CHAT_SESSION_MAX_RECONNECTS", "3")
	t.Setenv("CHAT_SESSION_BACKOFF_BASE", "250ms")
	t.Setenv("CHAT_USER_ID", "user-7")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Token != "tok" || cfg.Transport != TransportNATS || cfg.API.URL != "http://api.example" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.User.ID != "user-7" {
		t.Errorf("user id env not applied: %+v", cfg.User)
	}
	if cfg.Session.MaxReconnects != 3 || cfg.Session.BackoffBase != 250*time.Millisecond {
		t.Errorf("session env not applied: %+v", cfg.Session)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := []byte("api:\n  url: http://file.example\nredis:\n  addr: localhost:6379\nsession:\n  confirm_timeout: 3s\n")
	if err := os.WriteFile(filepath.Join(dir, "chatclient.yaml"), yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.URL != "http://file.example" || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("file not applied: %+v", cfg)
	}
	if cfg.Session.ConfirmTimeout != 3*time.Second {
		t.Errorf("unexpected confirm timeout %s", cfg.Session.ConfirmTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"no api url", func(c *Config) { c.API.URL = "" }},
		{"no retries", func(c *Config) { c.Session.MaxReconnects = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Transport: TransportWS, API: APIConfig{URL: "http://x"}, Session: SessionConfig{MaxReconnects: 5}}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("baseline should validate: %v", err)
			}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir on older toolchains).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restore working directory: %v", err)
		}
	})
}
