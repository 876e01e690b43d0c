package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	SMTPHost   string `mapstructure:"SMTP_HOST"`
	SMTPPort   int    `mapstructure:"SMTP_PORT"`
	SMTPUser   string `mapstructure:"SMTP_USER"`
	SMTPPass   string `mapstructure:"SMTP_PASS"`
	SMTPSender string `mapstructure:"SMTP_SENDER"`

	// Booking policy windows, in hours before the appointment start.
	CancelMinHours     int  `mapstructure:"CANCEL_MIN_HOURS"`
	RescheduleMinHours int  `mapstructure:"RESCHEDULE_MIN_HOURS"`
	RequirePayment     bool `mapstructure:"REQUIRE_PAYMENT"`

	// Queue and reminder tuning.
	QueueServiceMinutes      int `mapstructure:"QUEUE_SERVICE_MINUTES"`
	ReminderLookaheadMinutes int `mapstructure:"REMINDER_LOOKAHEAD_MINUTES"`

	// Payment provider settings.
	PaymentCurrency       string `mapstructure:"PAYMENT_CURRENCY"`
	PaymentMinAmountCents int64  `mapstructure:"PAYMENT_MIN_AMOUNT_CENTS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("CANCEL_MIN_HOURS", 24)
	v.SetDefault("RESCHEDULE_MIN_HOURS", 12)
	v.SetDefault("REQUIRE_PAYMENT", true)
	v.SetDefault("QUEUE_SERVICE_MINUTES", 15)
	v.SetDefault("REMINDER_LOOKAHEAD_MINUTES", 30)
	v.SetDefault("PAYMENT_CURRENCY", "usd")
	v.SetDefault("PAYMENT_MIN_AMOUNT_CENTS", 50)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "JWT_SECRET", "CORS_ORIGINS",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "SMTP_SENDER",
		"CANCEL_MIN_HOURS", "RESCHEDULE_MIN_HOURS", "REQUIRE_PAYMENT",
		"QUEUE_SERVICE_MINUTES", "REMINDER_LOOKAHEAD_MINUTES",
		"PAYMENT_CURRENCY", "PAYMENT_MIN_AMOUNT_CENTS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if !cfg.IsDev() && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required outside development")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}
