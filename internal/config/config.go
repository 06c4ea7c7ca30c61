package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	UseMemoryQueue bool
	WorkerCount    int
	EventQueueURL  string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	ProviderSendTimeout time.Duration
	DefaultRegion       string

	GraphBaseURL       string
	GraphAccessToken   string
	GraphPhoneNumberID string
	GraphPageID        string

	ExpirySweepInterval time.Duration
	ExpiryWindowDays    int
	FollowUpHourUTC     int

	WebhookVerifyToken string
	WebhookRateLimit   float64
	AdminAuthSecret    string
	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getBool("REDIS_TLS", false),

		UseMemoryQueue: getBool("USE_MEMORY_QUEUE", true),
		WorkerCount:    getInt("WORKER_COUNT", 2),
		EventQueueURL:  getEnv("EVENT_QUEUE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "me-central-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		ProviderSendTimeout: getDuration("PROVIDER_SEND_TIMEOUT", 10*time.Second),
		DefaultRegion:       getEnv("DEFAULT_PHONE_REGION", "AE"),

		GraphBaseURL:       getEnv("GRAPH_BASE_URL", ""),
		GraphAccessToken:   getEnv("GRAPH_ACCESS_TOKEN", ""),
		GraphPhoneNumberID: getEnv("GRAPH_PHONE_NUMBER_ID", ""),
		GraphPageID:        getEnv("GRAPH_PAGE_ID", ""),

		ExpirySweepInterval: getDuration("EXPIRY_SWEEP_INTERVAL", time.Hour),
		ExpiryWindowDays:    getInt("EXPIRY_WINDOW_DAYS", 60),
		FollowUpHourUTC:     getInt("FOLLOWUP_HOUR_UTC", -1),

		WebhookVerifyToken: getEnv("WEBHOOK_VERIFY_TOKEN", ""),
		WebhookRateLimit:   float64(getInt("WEBHOOK_RATE_LIMIT", 0)),
		AdminAuthSecret:    getEnv("ADMIN_AUTH_SECRET", ""),
		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS"),
	}
}

func getList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}
