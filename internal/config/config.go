// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendNATS   = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `yaml:"port"`
	ServerReadTimeout  time.Duration `yaml:"server_read_timeout"`
	ServerWriteTimeout time.Duration `yaml:"server_write_timeout"`

	// Store settings
	StoreBackend string `yaml:"store_backend"`
	PebblePath   string `yaml:"pebble_path"`

	// NATS settings
	NATSURL      string `yaml:"nats_url"`
	NATSCAFile   string `yaml:"nats_ca_file"`
	NATSCertFile string `yaml:"nats_cert_file"`
	NATSKeyFile  string `yaml:"nats_key_file"`
	NATSToken    string `yaml:"nats_token"`
	NATSKVBucket string `yaml:"nats_kv_bucket"`

	// JWT settings
	JWTSecret string `yaml:"jwt_secret"`

	// Allowed browser origins for CORS and websocket upgrades. Empty
	// allows any.
	CORSOrigins []string `yaml:"cors_origins"`

	// Rate limiting
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`

	// Engine
	PresenceHeartbeat  time.Duration `yaml:"presence_heartbeat"`
	PresenceStaleAfter time.Duration `yaml:"presence_stale_after"`
	TypingDebounce     time.Duration `yaml:"typing_debounce"`
	TypingLiveness     time.Duration `yaml:"typing_liveness"`
	MessageWindow      int           `yaml:"message_window"`

	// Link previews
	PreviewEnabled  bool          `yaml:"preview_enabled"`
	PreviewTimeout  time.Duration `yaml:"preview_timeout"`
	PreviewRPS      float64       `yaml:"preview_rps"`
	PreviewBurst    int           `yaml:"preview_burst"`
	PreviewCacheTTL time.Duration `yaml:"preview_cache_ttl"`
	RedisURL        string        `yaml:"redis_url"`

	// Reconciliation
	ReconcileEnabled bool   `yaml:"reconcile_enabled"`
	ReconcileCron    string `yaml:"reconcile_cron"`

	// Logging
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"env"`

	// Tracing
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
}

// Load reads an optional .env file, then environment variables, then the
// YAML file named by CONFIG_FILE if set. Values from the file override the
// environment where they are non-zero.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := fromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Store
		StoreBackend: getEnv("STORE_BACKEND", BackendMemory),
		PebblePath:   getEnv("PEBBLE_PATH", "./data/conversations"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSKVBucket: getEnv("NATS_KV_BUCKET", "conversations"),

		// JWT
		JWTSecret:   getEnv("JWT_SECRET", "development-secret-change-in-production"),
		CORSOrigins: getListEnv("CORS_ORIGINS"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Engine
		PresenceHeartbeat:  getDurationEnv("PRESENCE_HEARTBEAT", 30*time.Second),
		PresenceStaleAfter: getDurationEnv("PRESENCE_STALE_AFTER", 2*time.Minute),
		TypingDebounce:     getDurationEnv("TYPING_DEBOUNCE", 3*time.Second),
		TypingLiveness:     getDurationEnv("TYPING_LIVENESS", 5*time.Second),
		MessageWindow:      getIntEnv("MESSAGE_WINDOW", 100),

		// Link previews
		PreviewEnabled:  getBoolEnv("PREVIEW_ENABLED", true),
		PreviewTimeout:  getDurationEnv("PREVIEW_TIMEOUT", 5*time.Second),
		PreviewRPS:      getFloatEnv("PREVIEW_RPS", 5),
		PreviewBurst:    getIntEnv("PREVIEW_BURST", 10),
		PreviewCacheTTL: getDurationEnv("PREVIEW_CACHE_TTL", 24*time.Hour),
		RedisURL:        getEnv("REDIS_URL", ""),

		// Reconciliation
		ReconcileEnabled: getBoolEnv("RECONCILE_ENABLED", true),
		ReconcileCron:    getEnv("RECONCILE_CRON", "*/15 * * * *"),

		// Logging
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Environment: getEnv("ENV", "production"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// overlay merges the non-zero values of a YAML file into c. Booleans in the
// file can only switch a feature on.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f Config
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.ServerPort, f.ServerPort)
	setDuration(&c.ServerReadTimeout, f.ServerReadTimeout)
	setDuration(&c.ServerWriteTimeout, f.ServerWriteTimeout)
	setString(&c.StoreBackend, f.StoreBackend)
	setString(&c.PebblePath, f.PebblePath)
	setString(&c.NATSURL, f.NATSURL)
	setString(&c.NATSCAFile, f.NATSCAFile)
	setString(&c.NATSCertFile, f.NATSCertFile)
	setString(&c.NATSKeyFile, f.NATSKeyFile)
	setString(&c.NATSToken, f.NATSToken)
	setString(&c.NATSKVBucket, f.NATSKVBucket)
	setString(&c.JWTSecret, f.JWTSecret)
	if len(f.CORSOrigins) > 0 {
		c.CORSOrigins = f.CORSOrigins
	}
	setInt(&c.RateLimitRequests, f.RateLimitRequests)
	setDuration(&c.RateLimitWindow, f.RateLimitWindow)
	setDuration(&c.PresenceHeartbeat, f.PresenceHeartbeat)
	setDuration(&c.PresenceStaleAfter, f.PresenceStaleAfter)
	setDuration(&c.TypingDebounce, f.TypingDebounce)
	setDuration(&c.TypingLiveness, f.TypingLiveness)
	setInt(&c.MessageWindow, f.MessageWindow)
	c.PreviewEnabled = c.PreviewEnabled || f.PreviewEnabled
	setDuration(&c.PreviewTimeout, f.PreviewTimeout)
	if f.PreviewRPS != 0 {
		c.PreviewRPS = f.PreviewRPS
	}
	setInt(&c.PreviewBurst, f.PreviewBurst)
	setDuration(&c.PreviewCacheTTL, f.PreviewCacheTTL)
	setString(&c.RedisURL, f.RedisURL)
	c.ReconcileEnabled = c.ReconcileEnabled || f.ReconcileEnabled
	setString(&c.ReconcileCron, f.ReconcileCron)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.Environment, f.Environment)
	setString(&c.TracingEndpoint, f.TracingEndpoint)
	c.TracingEnabled = c.TracingEnabled || f.TracingEnabled
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory, BackendPebble, BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.StoreBackend == BackendPebble && c.PebblePath == "" {
		errs = append(errs, errors.New("pebble backend requires PEBBLE_PATH"))
	}
	if c.ReconcileEnabled && !gronx.IsValid(c.ReconcileCron) {
		errs = append(errs, fmt.Errorf("invalid reconcile cron expression %q", c.ReconcileCron))
	}
	for name, d := range map[string]time.Duration{
		"PRESENCE_HEARTBEAT":   c.PresenceHeartbeat,
		"PRESENCE_STALE_AFTER": c.PresenceStaleAfter,
		"TYPING_DEBOUNCE":      c.TypingDebounce,
		"TYPING_LIVENESS":      c.TypingLiveness,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MessageWindow <= 0 {
		errs = append(errs, errors.New("MESSAGE_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether ENV selects development logging.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping blanks.
func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
