package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	DatabaseURL string
	LogLevel    string
	Environment string

	CronSpecSweep     string
	SweepTimeout      time.Duration
	MemberLoadTimeout time.Duration
	NotifyTimeout     time.Duration
	EmailDealCap      int
	SMSDealCap        int
	SMSEnabled        bool

	AWSRegion   string
	EmailFrom   string
	SMSSenderID string
	AppBaseURL  string

	RedisAddr     string // Empty disables the shared deal lock
	RedisPassword string
	RedisDB       int
	DealLockTTL   time.Duration

	TelegramToken   string // Empty disables the operator bot
	AdminTelegramID int64

	MetricsAddr string
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// godotenv.Load will not override existing env variables; a missing file is fine.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.AWSRegion = os.Getenv("AWS_REGION")
	if cfg.AWSRegion == "" {
		return nil, fmt.Errorf("AWS_REGION is not set")
	}

	cfg.EmailFrom = os.Getenv("EMAIL_FROM")
	if cfg.EmailFrom == "" {
		return nil, fmt.Errorf("EMAIL_FROM is not set")
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	cfg.CronSpecSweep = os.Getenv("CRON_SPEC_SWEEP")
	if cfg.CronSpecSweep == "" {
		cfg.CronSpecSweep = "*/5 * * * *" // Default: every 5 minutes
	}

	if cfg.SweepTimeout, err = durationEnv("SWEEP_TIMEOUT", 4*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MemberLoadTimeout, err = durationEnv("MEMBER_LOAD_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.NotifyTimeout, err = durationEnv("NOTIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DealLockTTL, err = durationEnv("DEAL_LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	if cfg.EmailDealCap, err = intEnv("EMAIL_DEAL_CAP", 5); err != nil {
		return nil, err
	}
	if cfg.SMSDealCap, err = intEnv("SMS_DEAL_CAP", 3); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}

	cfg.SMSEnabled = true
	if v := os.Getenv("SMS_ENABLED"); v != "" {
		cfg.SMSEnabled, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_ENABLED: %w", err)
		}
	}
	cfg.SMSSenderID = os.Getenv("SMS_SENDER_ID")

	cfg.AppBaseURL = strings.TrimRight(os.Getenv("APP_BASE_URL"), "/")
	if cfg.AppBaseURL == "" {
		cfg.AppBaseURL = "http://localhost:3000"
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if cfg.TelegramToken != "" {
		adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID")
		if adminIDStr == "" {
			return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
		}
		cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
		}
	}

	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}
