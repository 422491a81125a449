package app

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"PROPCHAT_HTTP_ADDR", "PROPCHAT_STORE", "PROPCHAT_DATABASE_URL", "PROPCHAT_MONGO_URI", "PROPCHAT_REDIS_URL", "PROPCHAT_RETENTION_WINDOW", "PROPCHAT_RETENTION_SCHEDULE", "PROPCHAT_RETENTION_ENABLED"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("addr: %q", cfg.HTTPAddr)
	}
	if cfg.StoreKind() != StoreMemory {
		t.Fatalf("store kind: %q", cfg.StoreKind())
	}
	if cfg.RetentionWindow != 72*time.Hour || cfg.RetentionSchedule != "@daily" || !cfg.RetentionEnabled {
		t.Fatalf("retention defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PROPCHAT_STORE", "")
	t.Setenv("PROPCHAT_DATABASE_URL", "")
	t.Setenv("PROPCHAT_MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("PROPCHAT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PROPCHAT_CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PROPCHAT_RETENTION_WINDOW", "24h")

	cfg := LoadConfig()
	if cfg.StoreKind() != StoreMongo {
		t.Fatalf("mongo uri should win over redis when store is unset, got %q", cfg.StoreKind())
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("cors origins: %v", cfg.CORSAllowedOrigins)
	}
	if cfg.RetentionWindow != 24*time.Hour {
		t.Fatalf("retention window: %s", cfg.RetentionWindow)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := Config{HTTPAddr: ":8080", RetentionEnabled: true, RetentionWindow: time.Hour}

	cases := []struct {
		name    string
		mut     func(*Config)
		wantErr string
	}{
		{name: "memory ok", mut: func(*Config) {}},
		{name: "unknown store", mut: func(c *Config) { c.Store = "sqlite" }, wantErr: "unknown store"},
		{name: "postgres without url", mut: func(c *Config) { c.Store = "postgres" }, wantErr: "PROPCHAT_DATABASE_URL"},
		{name: "mongo without uri", mut: func(c *Config) { c.Store = "mongo" }, wantErr: "PROPCHAT_MONGO_URI"},
		{name: "redis without url", mut: func(c *Config) { c.Store = "redis" }, wantErr: "PROPCHAT_REDIS_URL"},
		{name: "known user without directory", mut: func(c *Config) { c.RequireKnownUser = true }, wantErr: "user directory"},
		{name: "known user via postgres", mut: func(c *Config) {
			c.Store = "redis"
			c.RedisURL = "redis://localhost:6379"
			c.DatabaseURL = "postgres://localhost/propchat"
			c.RequireKnownUser = true
		}},
		{name: "bad log format", mut: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log format"},
		{name: "zero retention", mut: func(c *Config) { c.RetentionWindow = 0 }, wantErr: "retention"},
	}

	for _, tc := range cases {
		cfg := base
		tc.mut(&cfg)
		err := cfg.Validate()
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestLoadFile_Overlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "propchat.yaml")
	yml := `
http:
  addr: 127.0.0.1:9090
log:
  format: pretty
store: redis
redis:
  url: redis://cache:6379/2
  key_prefix: "chat:"
retention:
  enabled: false
  window: 48h
  schedule: "0 3 * * *"
require_known_user: false
cors:
  allowed_origins: ["https://app.example"]
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := Config{HTTPAddr: ":8080", LogLevel: "debug", RetentionEnabled: true, RetentionWindow: 72 * time.Hour}
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9090" || cfg.LogFormat != "pretty" || cfg.LogLevel != "debug" {
		t.Fatalf("http/log overlay: %+v", cfg)
	}
	if cfg.StoreKind() != StoreRedis || cfg.RedisURL != "redis://cache:6379/2" || cfg.RedisKeyPrefix != "chat:" {
		t.Fatalf("redis overlay: %+v", cfg)
	}
	if cfg.RetentionEnabled || cfg.RetentionWindow != 48*time.Hour || cfg.RetentionSchedule != "0 3 * * *" {
		t.Fatalf("retention overlay: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 1 {
		t.Fatalf("cors overlay: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("stor: memory\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var cfg Config
	if err := LoadFile(path, &cfg); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoadRuntimeConfig_Precedence(t *testing.T) {
	dir := t.TempDir()

	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("PROPCHAT_LOG_LEVEL=warn\nPROPCHAT_HTTP_ADDR=10.0.0.1:1\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	cfgFile := filepath.Join(dir, "propchat.yaml")
	if err := os.WriteFile(cfgFile, []byte("http:\n  addr: 10.0.0.2:2\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	// godotenv never overrides variables that are already set; clear them for the test.
	t.Setenv("PROPCHAT_LOG_LEVEL", "")
	t.Setenv("PROPCHAT_HTTP_ADDR", "")
	os.Unsetenv("PROPCHAT_LOG_LEVEL")
	os.Unsetenv("PROPCHAT_HTTP_ADDR")
	t.Setenv("PROPCHAT_STORE", "")
	t.Setenv("PROPCHAT_DATABASE_URL", "")
	t.Setenv("PROPCHAT_MONGO_URI", "")
	t.Setenv("PROPCHAT_REDIS_URL", "")

	cfg, err := LoadRuntimeConfig([]string{"--env-file", envFile, "--config", cfgFile, "--store", "memory"}, io.Discard)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env file value lost: %q", cfg.LogLevel)
	}
	if cfg.HTTPAddr != "10.0.0.2:2" {
		t.Fatalf("yaml must override env: %q", cfg.HTTPAddr)
	}
	if cfg.Store != "memory" {
		t.Fatalf("flag must win: %q", cfg.Store)
	}

	cfg, err = LoadRuntimeConfig([]string{"--env-file", envFile, "--config", cfgFile, "--addr", "127.0.0.1:3"}, io.Discard)
	if err != nil {
		t.Fatalf("load with addr flag: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:3" {
		t.Fatalf("flag must override yaml: %q", cfg.HTTPAddr)
	}
}

func TestLoadRuntimeConfig_Help(t *testing.T) {
	if _, err := LoadRuntimeConfig([]string{"--help"}, io.Discard); err != ErrHelp {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}
