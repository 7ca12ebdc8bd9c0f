package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	PublicBaseURL string

	// Abacate Pay PIX gateway
	AbacatePayAPIKey     string
	AbacatePayBaseURL    string
	AbacateWebhookSecret string

	// Booking
	ConsultationFeeCents int
	PixChargeTTL         time.Duration

	// Client observation loop defaults (used by cmd/paywatch)
	PollInterval    time.Duration
	PollMaxAttempts int

	// Velocity limits
	RedisAddr            string
	RedisPassword        string
	RedisTLS             bool
	MaxChargesPerPatient int
	ChargeWindow         time.Duration

	// Admin back-office
	AdminJWTSecret string

	// Confirmation email
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	CORSAllowedOrigins string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		AbacatePayAPIKey:     getEnv("ABACATE_PAY_API_KEY", ""),
		AbacatePayBaseURL:    getEnv("ABACATE_PAY_BASE_URL", "https://api.abacatepay.com/v1"),
		AbacateWebhookSecret: getEnv("ABACATE_PAY_WEBHOOK_SECRET", ""),

		ConsultationFeeCents: getEnvAsInt("CONSULTATION_FEE_CENTS", 100),
		PixChargeTTL:         getEnvAsDuration("PIX_CHARGE_TTL", 15*time.Minute),

		PollInterval:    getEnvAsDuration("PAYMENT_POLL_INTERVAL", 3*time.Second),
		PollMaxAttempts: getEnvAsInt("PAYMENT_POLL_MAX_ATTEMPTS", 300),

		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisTLS:             getEnvAsBool("REDIS_TLS", false),
		MaxChargesPerPatient: getEnvAsInt("MAX_CHARGES_PER_PATIENT", 5),
		ChargeWindow:         getEnvAsDuration("CHARGE_WINDOW", 24*time.Hour),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Vida Plena"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
	}
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
