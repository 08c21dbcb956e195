package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the service configuration.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`

	SessionSecret string `yaml:"sessionSecret"`
	SessionTTL    string `yaml:"sessionTTL"`
	MagicLinkTTL  string `yaml:"magicLinkTTL"`
	PinTTL        string `yaml:"pinTTL"`

	// WindowHours bounds how far back status listings look. Defaults to 48.
	WindowHours int `yaml:"windowHours"`

	AMQPUrl       string `yaml:"amqpUrl"`
	AlertExchange string `yaml:"alertExchange"`

	AuthRateLimitPerMinute int `yaml:"authRateLimitPerMinute"`
	SMSRateLimitPerMinute  int `yaml:"smsRateLimitPerMinute"`

	// TrustedProxies lists CIDRs/IPs whose forwarded headers are believed
	// when resolving client IPs.
	TrustedProxies []string `yaml:"trustedProxies"`

	// DevMode echoes magic-link tokens in API responses instead of relying
	// on an external mailer. Never enable in production.
	DevMode bool `yaml:"devMode"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPUrl = v
	}
	if v := os.Getenv("STATUS_WINDOW_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WindowHours = n
		}
	}
	if v := os.Getenv("STATUS_AUTH_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuthRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("STATUS_SMS_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMSRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("STATUS_DEV_MODE"); v != "" {
		cfg.DevMode = v == "1" || strings.EqualFold(v, "true")
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseTTL parses a duration field, returning fallback when the field is
// empty.
func ParseTTL(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse ttl %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ttl %q must be positive", raw)
	}
	return d, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (pin store, magic links, rate limits)")
	}
	if strings.TrimSpace(cfg.SessionSecret) == "" {
		return errors.New("config: sessionSecret is required")
	}
	if cfg.WindowHours < 0 {
		return errors.New("config: windowHours must not be negative")
	}
	return nil
}
