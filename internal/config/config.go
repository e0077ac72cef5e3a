package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	ServerPort     string
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	AdminJWTSecret string
	LogLevel       string
	PublicBaseURL  string

	RendererURL    string
	CaptureTimeout time.Duration

	SignupLimitPerHour int
	TrustedProxies     []string

	Billing BillingConfig
}

type BillingConfig struct {
	APIKey           string
	WebhookSecret    string
	Environment      string
	StarterProductID string
	ProProductID     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		DatabaseDriver:     strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite)),
		DatabaseURL:        getEnv("DATABASE_URL", "file:capture.db"),
		RedisURL:           strings.TrimSpace(getEnv("REDIS_URL", "")),
		AdminJWTSecret:     strings.TrimSpace(getEnv("ADMIN_JWT_SECRET", "")),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		RendererURL:        strings.TrimRight(getEnv("RENDERER_URL", "http://localhost:9000"), "/"),
		CaptureTimeout:     getEnvDuration("CAPTURE_TIMEOUT", 45*time.Second),
		SignupLimitPerHour: getEnvInt("SIGNUP_LIMIT_PER_HOUR", 20),
		TrustedProxies:     getEnvList("TRUSTED_PROXIES"),
		Billing: BillingConfig{
			APIKey:           strings.TrimSpace(getEnv("BILLING_API_KEY", "")),
			WebhookSecret:    strings.TrimSpace(getEnv("BILLING_WEBHOOK_SECRET", "")),
			Environment:      getEnv("BILLING_ENVIRONMENT", "test_mode"),
			StarterProductID: strings.TrimSpace(getEnv("BILLING_STARTER_PRODUCT_ID", "")),
			ProProductID:     strings.TrimSpace(getEnv("BILLING_PRO_PRODUCT_ID", "")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DatabaseDriver == DriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for postgres")
	}
	if c.CaptureTimeout <= 0 {
		return fmt.Errorf("CAPTURE_TIMEOUT must be positive")
	}
	switch c.Billing.Environment {
	case "test_mode", "live_mode":
	default:
		return fmt.Errorf("unsupported BILLING_ENVIRONMENT %q", c.Billing.Environment)
	}
	return nil
}

// BillingAPIBase is the provider API root for the configured environment.
func (b BillingConfig) BillingAPIBase() string {
	if b.Environment == "live_mode" {
		return "https://live.dodopayments.com"
	}
	return "https://test.dodopayments.com"
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	// bare integers are seconds
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
