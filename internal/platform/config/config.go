// Package config loads process configuration from the environment once at boot.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvProduction = "production"

// Config is read once. Runtime changes happen only through a policy reload.
type Config struct {
	Addr         string        `envconfig:"ADDR" default:":8080"`
	Environment  string        `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	// TrustedProxies lists CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`

	PolicyFile       string `envconfig:"POLICY_FILE" required:"true"`
	AdminMFARequired bool   `envconfig:"ADMIN_MFA_REQUIRED" default:"true"`
	AdminAPIToken    string `envconfig:"ADMIN_API_TOKEN"`

	BreakGlassEnabled       bool          `envconfig:"BREAK_GLASS_ENABLED" default:"true"`
	BreakGlassSweepInterval time.Duration `envconfig:"BREAK_GLASS_SWEEP_INTERVAL" default:"30s"`

	RateLimitPublic        int           `envconfig:"RATE_LIMIT_PUBLIC" default:"30"`
	RateLimitAuthenticated int           `envconfig:"RATE_LIMIT_AUTHENTICATED" default:"100"`
	RateLimitAdmin         int           `envconfig:"RATE_LIMIT_ADMIN" default:"200"`
	RateLimitSensitive     int           `envconfig:"RATE_LIMIT_SENSITIVE" default:"10"`
	RateLimitWindow        time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	GlobalIPLimit          int           `envconfig:"GLOBAL_IP_LIMIT" default:"600"`

	AuditFailurePolicy string `envconfig:"AUDIT_FAILURE_POLICY" default:"fail_closed"`
	AuditBufferSize    int    `envconfig:"AUDIT_BUFFER_SIZE" default:"1024"`
	AuditFallbackPath  string `envconfig:"AUDIT_FALLBACK_PATH"`
	AuditSigningKeys   string `envconfig:"AUDIT_SIGNING_KEYS"`
	AuditActiveKeyID   string `envconfig:"AUDIT_ACTIVE_KEY_ID"`
	AuditStreamTopic   string `envconfig:"AUDIT_STREAM_TOPIC" default:"gatekeeper.audit.events"`

	ProviderSigningKey string `envconfig:"PROVIDER_SIGNING_KEY"`
	ProviderIssuer     string `envconfig:"PROVIDER_ISSUER"`
	ProviderAudience   string `envconfig:"PROVIDER_AUDIENCE"`

	DatabaseURL       string   `envconfig:"DATABASE_URL"`
	RedisURL          string   `envconfig:"REDIS_URL"`
	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS"`
	NotificationTopic string   `envconfig:"NOTIFICATION_TOPIC" default:"gatekeeper.notifications"`

	StoreTimeout      time.Duration `envconfig:"STORE_TIMEOUT" default:"150ms"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"10"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.PolicyFile) == "" {
		errs = append(errs, errors.New("POLICY_FILE is required"))
	}
	switch c.AuditFailurePolicy {
	case "fail_closed", "fail_open":
	default:
		errs = append(errs, fmt.Errorf("AUDIT_FAILURE_POLICY must be fail_closed or fail_open, got %q", c.AuditFailurePolicy))
	}
	if c.AuditBufferSize <= 0 {
		errs = append(errs, errors.New("AUDIT_BUFFER_SIZE must be positive"))
	}
	if c.AuditSigningKeys == "" || c.AuditActiveKeyID == "" {
		errs = append(errs, errors.New("AUDIT_SIGNING_KEYS and AUDIT_ACTIVE_KEY_ID are required"))
	}
	if len(c.ProviderSigningKey) < 32 {
		errs = append(errs, errors.New("PROVIDER_SIGNING_KEY must be at least 32 bytes"))
	}
	for name, v := range map[string]int{
		"RATE_LIMIT_PUBLIC":        c.RateLimitPublic,
		"RATE_LIMIT_AUTHENTICATED": c.RateLimitAuthenticated,
		"RATE_LIMIT_ADMIN":         c.RateLimitAdmin,
		"RATE_LIMIT_SENSITIVE":     c.RateLimitSensitive,
		"GLOBAL_IP_LIMIT":          c.GlobalIPLimit,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.StoreTimeout <= 0 || c.StoreTimeout > 5*time.Second {
		errs = append(errs, errors.New("STORE_TIMEOUT must be in (0, 5s]"))
	}
	if c.BreakGlassSweepInterval <= 0 {
		errs = append(errs, errors.New("BREAK_GLASS_SWEEP_INTERVAL must be positive"))
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required in production"))
		}
		if c.AdminAPIToken != "" && len(c.AdminAPIToken) < 32 {
			errs = append(errs, errors.New("ADMIN_API_TOKEN must be at least 32 bytes in production"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c != nil && c.Environment == EnvProduction
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
