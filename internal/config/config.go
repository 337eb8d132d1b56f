// Package config resolves runtime settings: defaults, then an optional YAML file, then
// HELPDESK_* environment variables.
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

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	DatabaseURL string
	RedisURL    string

	KafkaBrokers []string
	KafkaTopic   string

	TokenSecret string
	Issuer      string
	BcryptCost  int

	SessionIdleTTL time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	SMTP         SMTP
	NotifyReveal bool
}

// SMTP mirrors notify.SMTPConfig without importing it.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	BaseURL  string
	// Timeout bounds one delivery, dial included.
	Timeout time.Duration
}

type configFile struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
	} `yaml:"dependencies"`
	Auth struct {
		TokenSecret    string `yaml:"token_secret"`
		Issuer         string `yaml:"issuer"`
		BcryptCost     int    `yaml:"bcrypt_cost"`
		SessionIdleTTL string `yaml:"session_idle_ttl"`
	} `yaml:"auth"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
		BaseURL  string `yaml:"base_url"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"smtp"`
	Notify struct {
		Reveal bool `yaml:"reveal"`
	} `yaml:"notify"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		KafkaTopic:     "helpdesk.identity.events",
		Issuer:         "Helpdesk",
		BcryptCost:     12,
		SessionIdleTTL: 12 * time.Hour,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		SMTP:           SMTP{Port: 587, Timeout: 10 * time.Second},
	}
}

// Load resolves configuration in priority order: defaults -> file -> env. A missing
// file is not an error; an unreadable or malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.HTTPAddr, f.Server.HTTPAddr)
	setString(&cfg.GRPCAddr, f.Server.GRPCAddr)
	setString(&cfg.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&cfg.RedisURL, f.Dependencies.RedisURL)
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	setString(&cfg.KafkaTopic, f.Dependencies.KafkaTopic)
	setString(&cfg.TokenSecret, f.Auth.TokenSecret)
	setString(&cfg.Issuer, f.Auth.Issuer)
	if f.Auth.BcryptCost > 0 {
		cfg.BcryptCost = f.Auth.BcryptCost
	}
	if f.Auth.SessionIdleTTL != "" {
		d, err := time.ParseDuration(f.Auth.SessionIdleTTL)
		if err != nil {
			return fmt.Errorf("parse auth.session_idle_ttl: %w", err)
		}
		cfg.SessionIdleTTL = d
	}
	if f.RateLimit.RPS > 0 {
		cfg.RateLimitRPS = f.RateLimit.RPS
	}
	if f.RateLimit.Burst > 0 {
		cfg.RateLimitBurst = f.RateLimit.Burst
	}
	setString(&cfg.SMTP.Host, f.SMTP.Host)
	if f.SMTP.Port > 0 {
		cfg.SMTP.Port = f.SMTP.Port
	}
	setString(&cfg.SMTP.Username, f.SMTP.Username)
	setString(&cfg.SMTP.Password, f.SMTP.Password)
	setString(&cfg.SMTP.From, f.SMTP.From)
	setString(&cfg.SMTP.BaseURL, f.SMTP.BaseURL)
	if f.SMTP.Timeout != "" {
		d, err := time.ParseDuration(f.SMTP.Timeout)
		if err != nil {
			return fmt.Errorf("parse smtp.timeout: %w", err)
		}
		cfg.SMTP.Timeout = d
	}
	cfg.NotifyReveal = cfg.NotifyReveal || f.Notify.Reveal
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = envOrDefault("HELPDESK_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envOrDefault("HELPDESK_GRPC_ADDR", cfg.GRPCAddr)
	cfg.DatabaseURL = envOrDefault("HELPDESK_PG_DSN", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("HELPDESK_REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("HELPDESK_KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = envOrDefault("HELPDESK_KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.TokenSecret = envOrDefault("HELPDESK_TOKEN_SECRET", cfg.TokenSecret)
	cfg.Issuer = envOrDefault("HELPDESK_ISSUER", cfg.Issuer)
	cfg.BcryptCost = envInt("HELPDESK_BCRYPT_COST", cfg.BcryptCost)
	cfg.SessionIdleTTL = envDuration("HELPDESK_SESSION_IDLE_TTL", cfg.SessionIdleTTL)
	cfg.RateLimitRPS = envFloat("HELPDESK_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = envInt("HELPDESK_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.SMTP.Host = envOrDefault("HELPDESK_SMTP_HOST", cfg.SMTP.Host)
	cfg.SMTP.Port = envInt("HELPDESK_SMTP_PORT", cfg.SMTP.Port)
	cfg.SMTP.Username = envOrDefault("HELPDESK_SMTP_USERNAME", cfg.SMTP.Username)
	cfg.SMTP.Password = envOrDefault("HELPDESK_SMTP_PASSWORD", cfg.SMTP.Password)
	cfg.SMTP.From = envOrDefault("HELPDESK_SMTP_FROM", cfg.SMTP.From)
	cfg.SMTP.BaseURL = envOrDefault("HELPDESK_BASE_URL", cfg.SMTP.BaseURL)
	cfg.SMTP.Timeout = envDuration("HELPDESK_SMTP_TIMEOUT", cfg.SMTP.Timeout)
	cfg.NotifyReveal = envBool("HELPDESK_NOTIFY_REVEAL", cfg.NotifyReveal)
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TokenSecret) == "" {
		return errors.New("missing HELPDESK_TOKEN_SECRET")
	}
	if len(c.TokenSecret) < 16 {
		return errors.New("HELPDESK_TOKEN_SECRET must be at least 16 bytes")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost %d out of range", c.BcryptCost)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("rate limit must be positive")
	}
	if c.SMTP.Timeout <= 0 {
		return errors.New("smtp timeout must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(name)))
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(name string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(name)), 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(name)))
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var parts []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
