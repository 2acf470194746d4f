package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CHAT_PORT", "CHAT_LOG_LEVEL", "CHAT_STORE_DRIVER", "DATABASE_URL",
		"CHAT_NOTICE_DRIVER", "REDIS_ADDR", "REDIS_PASSWORD", "CHAT_NOTICE_TTL",
		"CHAT_RESPONDER_DELAY", "CHAT_AUTH_JWKS_URL", "JWT_ISSUER",
		"JWT_AUDIENCE", "JWT_LEEWAY", "CHAT_ALLOWED_ORIGINS", "CHAT_REPLY_TIMEOUT",
		"CHAT_SESSION_IDLE_TTL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://chat:chat@db:5432/chat?sslmode=disable")
	t.Setenv("CHAT_RESPONDER_DELAY", "250ms")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "https://chat.example.com, ,http://localhost:5173")
	t.Setenv("CHAT_SESSION_IDLE_TTL", "5m")

	cfg, err := Load(writeConfig(t, `
port: "8080"
logLevel: "debug"
databaseURL: "postgres://ignored"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL != "postgres://chat:chat@db:5432/chat?sslmode=disable" {
		t.Fatalf("databaseURL = %q, want env override", cfg.DatabaseURL)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("storeDriver = %q, want postgres by default", cfg.StoreDriver)
	}
	if cfg.NoticeDriver != "redis" {
		t.Fatalf("noticeDriver = %q, want redis when redisAddr is set", cfg.NoticeDriver)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Fatalf("allowedOrigins = %v", cfg.AllowedOrigins)
	}
	if got := cfg.ResponderDelayDuration(); got != 250*time.Millisecond {
		t.Fatalf("responder delay = %s, want 250ms", got)
	}
	if got := cfg.SessionIdleTTLDuration(); got != 5*time.Minute {
		t.Fatalf("session idle ttl = %s, want 5m", got)
	}
}

func TestLoadMemoryDriverNeedsNoDatabase(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, `
port: "8080"
storeDriver: "Memory"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StoreDriver != "memory" || cfg.NoticeDriver != "memory" {
		t.Fatalf("unexpected drivers: %+v", cfg)
	}
	if got := cfg.ResponderDelayDuration(); got != time.Second {
		t.Fatalf("default responder delay = %s, want 1s", got)
	}
	if got := cfg.SessionIdleTTLDuration(); got != 30*time.Minute {
		t.Fatalf("default session idle ttl = %s, want 30m", got)
	}
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "port", content: `storeDriver: memory`, wantErr: "port is required"},
		{name: "database", content: "port: \"8080\"\n", wantErr: "databaseURL is required"},
		{name: "store driver", content: "port: \"8080\"\nstoreDriver: sqlite\n", wantErr: "unknown storeDriver"},
		{name: "redis addr", content: "port: \"8080\"\nstoreDriver: memory\nnoticeDriver: redis\n", wantErr: "redisAddr is required"},
		{name: "negative delay", content: "port: \"8080\"\nstoreDriver: memory\nresponderDelay: -1s\n", wantErr: "invalid responderDelay"},
		{name: "bad duration", content: "port: \"8080\"\nstoreDriver: memory\nnoticeTTL: soon\n", wantErr: "invalid noticeTTL"},
		{name: "idle ttl", content: "port: \"8080\"\nstoreDriver: memory\nsessionIdleTTL: -5m\n", wantErr: "invalid sessionIdleTTL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseJWTLeeway(t *testing.T) {
	if d, err := ParseJWTLeeway(""); err != nil || d != 0 {
		t.Fatalf("empty leeway = %s, %v", d, err)
	}
	if d, err := ParseJWTLeeway("30s"); err != nil || d != 30*time.Second {
		t.Fatalf("leeway = %s, %v", d, err)
	}
	if _, err := ParseJWTLeeway("-1s"); err == nil {
		t.Fatalf("expected negative leeway to fail")
	}
}
