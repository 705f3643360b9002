package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	DatabaseURL        string
	AuthJWTSecret      string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	// Scheduling
	ExpertTimezone     string
	BookingHorizonDays int
	BookingSessionTTL  time.Duration

	// Payments
	PaymentProvider   string
	AllowFakePayments bool
	DefaultCurrency   string
	RazorpayKeyID     string
	RazorpayKeySecret string
	RazorpayBaseURL   string
	StripeSecretKey   string

	// Remote procedures
	EdgeFunctionsURL     string
	EdgeFunctionsKey     string
	EdgeFunctionsTimeout time.Duration

	// No-show detection
	NoShowPollInterval time.Duration
	NoShowWarnAfter    time.Duration
	NoShowConfirmAfter time.Duration
	NoShowWatchHorizon time.Duration
	NoShowLookback     time.Duration
	RefundLockTTL      time.Duration

	// Booking reconciliation
	UseMemoryQueue       bool
	ReconcileQueueURL    string
	ReconcileMaxAttempts int
	ReconcileBaseDelay   time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Email notifications
	EmailProvider      string
	SendGridAPIKey     string
	EmailFromAddress   string
	EmailFromName      string
	SupportEmail       string
	OutboxPollInterval time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		AuthJWTSecret:      getEnv("AUTH_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),

		ExpertTimezone:     getEnv("EXPERT_TIMEZONE", "Asia/Kolkata"),
		BookingHorizonDays: getEnvAsInt("BOOKING_HORIZON_DAYS", 30),
		BookingSessionTTL:  getEnvAsDuration("BOOKING_SESSION_TTL", 30*time.Minute),

		PaymentProvider:   strings.ToLower(strings.TrimSpace(getEnv("PAYMENT_PROVIDER", "razorpay"))),
		AllowFakePayments: getEnvAsBool("ALLOW_FAKE_PAYMENTS", false),
		DefaultCurrency:   strings.ToUpper(getEnv("DEFAULT_CURRENCY", "INR")),
		RazorpayKeyID:     getEnv("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret: getEnv("RAZORPAY_KEY_SECRET", ""),
		RazorpayBaseURL:   getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com"),
		StripeSecretKey:   getEnv("STRIPE_SECRET_KEY", ""),

		EdgeFunctionsURL:     getEnv("EDGE_FUNCTIONS_URL", ""),
		EdgeFunctionsKey:     getEnv("EDGE_FUNCTIONS_KEY", ""),
		EdgeFunctionsTimeout: getEnvAsDuration("EDGE_FUNCTIONS_TIMEOUT", 15*time.Second),

		NoShowPollInterval: getEnvAsDuration("NOSHOW_POLL_INTERVAL", 30*time.Second),
		NoShowWarnAfter:    getEnvAsDuration("NOSHOW_WARN_AFTER", 3*time.Minute),
		NoShowConfirmAfter: getEnvAsDuration("NOSHOW_CONFIRM_AFTER", 5*time.Minute),
		NoShowWatchHorizon: getEnvAsDuration("NOSHOW_WATCH_HORIZON", 2*time.Hour),
		NoShowLookback:     getEnvAsDuration("NOSHOW_LOOKBACK", 24*time.Hour),
		RefundLockTTL:      getEnvAsDuration("REFUND_LOCK_TTL", 2*time.Minute),

		UseMemoryQueue:       getEnvAsBool("USE_MEMORY_QUEUE", false),
		ReconcileQueueURL:    getEnv("RECONCILE_QUEUE_URL", ""),
		ReconcileMaxAttempts: getEnvAsInt("RECONCILE_MAX_ATTEMPTS", 5),
		ReconcileBaseDelay:   getEnvAsDuration("RECONCILE_BASE_DELAY", 30*time.Second),

		AWSRegion:           getEnv("AWS_REGION", "ap-south-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		EmailProvider:      strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:     getEnv("SENDGRID_API_KEY", ""),
		EmailFromAddress:   getEnv("EMAIL_FROM_ADDRESS", ""),
		EmailFromName:      getEnv("EMAIL_FROM_NAME", "Wellnest"),
		SupportEmail:       getEnv("SUPPORT_EMAIL", ""),
		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
	}
}

// ExpertLocation resolves the configured expert timezone, falling back to UTC.
func (c *Config) ExpertLocation() *time.Location {
	if c == nil || c.ExpertTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ExpertTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
