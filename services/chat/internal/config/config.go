package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, relative to the working directory.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`

	NoticeDriver  string `yaml:"noticeDriver"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	NoticeTTL     string `yaml:"noticeTTL"`

	// ResponderDelay is the mock assistant's artificial latency.
	ResponderDelay string `yaml:"responderDelay"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	AllowedOrigins []string `yaml:"allowedOrigins"`
	ReplyTimeout   string   `yaml:"replyTimeout"`

	// SessionIdleTTL bounds how long an unused user session stays in memory.
	SessionIdleTTL string `yaml:"sessionIdleTTL"`
}

// Load reads config from path (defaults to config.yaml). A .env file in the
// working directory is loaded first so its values take part in env overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"CHAT_PORT", &cfg.Port},
		{"CHAT_LOG_LEVEL", &cfg.LogLevel},
		{"CHAT_STORE_DRIVER", &cfg.StoreDriver},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"CHAT_NOTICE_DRIVER", &cfg.NoticeDriver},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"CHAT_NOTICE_TTL", &cfg.NoticeTTL},
		{"CHAT_RESPONDER_DELAY", &cfg.ResponderDelay},
		{"CHAT_AUTH_JWKS_URL", &cfg.AuthJWKSURL},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"CHAT_SESSION_IDLE_TTL", &cfg.SessionIdleTTL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("CHAT_REPLY_TIMEOUT"); v != "" {
		cfg.ReplyTimeout = strings.TrimSpace(v)
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func applyDefaults(cfg *FileConfig) {
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	cfg.NoticeDriver = strings.ToLower(strings.TrimSpace(cfg.NoticeDriver))
	if cfg.NoticeDriver == "" {
		cfg.NoticeDriver = "memory"
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			cfg.NoticeDriver = "redis"
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeDriver postgres (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q (want postgres or memory)", cfg.StoreDriver)
	}
	switch cfg.NoticeDriver {
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for noticeDriver redis")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown noticeDriver %q (want redis or memory)", cfg.NoticeDriver)
	}
	for name, value := range map[string]string{
		"noticeTTL":      cfg.NoticeTTL,
		"responderDelay": cfg.ResponderDelay,
		"jwtLeeway":      cfg.JWTLeeway,
		"replyTimeout":   cfg.ReplyTimeout,
		"sessionIdleTTL": cfg.SessionIdleTTL,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	dur, err := ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ResponderDelayDuration returns the mock responder latency; unset means one second.
func (c FileConfig) ResponderDelayDuration() time.Duration {
	if strings.TrimSpace(c.ResponderDelay) == "" {
		return time.Second
	}
	dur, _ := ParseDuration(c.ResponderDelay)
	return dur
}

// SessionIdleTTLDuration returns the idle session lifetime; unset means 30 minutes.
func (c FileConfig) SessionIdleTTLDuration() time.Duration {
	if strings.TrimSpace(c.SessionIdleTTL) == "" {
		return 30 * time.Minute
	}
	dur, _ := ParseDuration(c.SessionIdleTTL)
	return dur
}
