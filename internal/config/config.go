package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Development bool
	// API configuration
	APIPort int
	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Telegram configuration
	TelegramBotToken string

	// Generation provider configuration
	ProviderURL    string
	ProviderAPIKey string
	// CallbackURL is the public URL the provider pushes task results to.
	CallbackURL string
	// ProviderFormat selects the provider payload format for new tasks
	// (standard or legacy).
	ProviderFormat string

	// Outbound guard configuration
	RateLimitMaxRequests    int
	RateLimitWindow         time.Duration
	RateLimitSafetyMargin   time.Duration
	MaxInFlight             int
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCoolDown         time.Duration

	// Orchestration configuration
	PollDeadline       time.Duration
	HeartbeatInterval  time.Duration
	ProviderMaxRetries int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration

	// Sweep configuration
	UpdateRetention time.Duration
	StaleHoldAge    time.Duration

	// ModelPrices maps model id to credit price, parsed from
	// "model=price,model=price".
	ModelPrices map[string]decimal.Decimal
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:      getEnvAsBool("DEVELOPMENT", false),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "artifex"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		ProviderURL:    getEnv("PROVIDER_URL", ""),
		ProviderAPIKey: getEnv("PROVIDER_API_KEY", ""),
		CallbackURL:    getEnv("CALLBACK_URL", ""),
		ProviderFormat: getEnv("PROVIDER_FORMAT", "standard"),

		RateLimitMaxRequests:  getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 30),
		RateLimitWindow:       getEnvAsSeconds("RATE_LIMIT_WINDOW_SECONDS", 10),
		RateLimitSafetyMargin: getEnvAsMillis("RATE_LIMIT_SAFETY_MARGIN_MS", 100),
		MaxInFlight:           getEnvAsInt("MAX_IN_FLIGHT", 8),

		BreakerFailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerCoolDown:         getEnvAsSeconds("BREAKER_COOL_DOWN_SECONDS", 30),

		PollDeadline:       getEnvAsSeconds("POLL_DEADLINE_SECONDS", 600),
		HeartbeatInterval:  getEnvAsSeconds("HEARTBEAT_INTERVAL_SECONDS", 20),
		ProviderMaxRetries: getEnvAsInt("PROVIDER_MAX_RETRIES", 4),
		RetryBaseDelay:     getEnvAsMillis("RETRY_BASE_DELAY_MS", 500),
		RetryMaxDelay:      getEnvAsSeconds("RETRY_MAX_DELAY_SECONDS", 15),

		UpdateRetention: getEnvAsSeconds("UPDATE_RETENTION_SECONDS", int(72*time.Hour/time.Second)),
		StaleHoldAge:    getEnvAsSeconds("STALE_HOLD_AGE_SECONDS", int(time.Hour/time.Second)),

		APIPort: getEnvAsInt("API_PORT", 6410),
	}

	prices, err := parsePrices(getEnv("MODEL_PRICES", ""))
	if err != nil {
		return nil, err
	}
	cfg.ModelPrices = prices

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	if c.ProviderURL == "" {
		return fmt.Errorf("PROVIDER_URL is required")
	}

	if c.ProviderFormat != "standard" && c.ProviderFormat != "legacy" {
		return fmt.Errorf("PROVIDER_FORMAT must be standard or legacy, got %q", c.ProviderFormat)
	}

	if len(c.ModelPrices) == 0 {
		return fmt.Errorf("MODEL_PRICES is required, e.g. \"sdxl=2.5,flux=4\"")
	}

	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	if c.RateLimitMaxRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window and max requests must be positive")
	}

	return nil
}

// parsePrices parses "model=price,model=price" into a price table.
func parsePrices(raw string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	if raw == "" {
		return prices, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid MODEL_PRICES entry %q", pair)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid price for model %q: %v", parts[0], err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("negative price for model %q", parts[0])
		}
		prices[strings.TrimSpace(parts[0])] = price
	}
	return prices, nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsSeconds(name string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(name, defaultValue)) * time.Second
}

func getEnvAsMillis(name string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(name, defaultValue)) * time.Millisecond
}
