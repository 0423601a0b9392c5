package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the service.
type Config struct {
	DatabaseURL        string
	Port               string
	WebhookVerifyToken string

	WhatsAppAPIURL   string
	WhatsAppAPIToken string

	RabbitMQURL   string
	RabbitMQQueue string

	// Queue / dispatcher tuning.
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DispatchPollRate time.Duration

	// Circuit breaker tuning.
	BreakerMaxFailures   int
	BreakerCooldown      time.Duration
	BreakerMaxConcurrent int
	BreakerRateLimit     int

	// QR pairing TTL before a session expires.
	QRTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables, loading a .env file
// first if one is present. Environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Port:               os.Getenv("PORT"),
		WebhookVerifyToken: os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		WhatsAppAPIURL:     os.Getenv("WHATSAPP_API_URL"),
		WhatsAppAPIToken:   os.Getenv("WHATSAPP_API_TOKEN"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:      os.Getenv("RABBITMQ_QUEUE"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogFormat:          os.Getenv("LOG_FORMAT"),

		MaxRetries:       envInt("QUEUE_MAX_RETRIES", 3),
		RetryBaseDelay:   envDuration("QUEUE_RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:    envDuration("QUEUE_RETRY_MAX_DELAY", 30*time.Minute),
		DispatchPollRate: envDuration("DISPATCH_POLL_RATE", time.Second),

		BreakerMaxFailures:   envInt("BREAKER_MAX_FAILURES", 5),
		BreakerCooldown:      envDuration("BREAKER_COOLDOWN", time.Minute),
		BreakerMaxConcurrent: envInt("BREAKER_MAX_CONCURRENT", 10),
		BreakerRateLimit:     envInt("BREAKER_RATE_LIMIT", 60),

		QRTimeout: envDuration("QR_TIMEOUT", 2*time.Minute),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "zapfila.db"
		log.Info().Str("database", cfg.DatabaseURL).Msg("DATABASE_URL not set, using local sqlite file")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.RabbitMQQueue == "" {
		cfg.RabbitMQQueue = "whatsapp_events"
	}

	return cfg, nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return def
	}
	return d
}
