package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// Auth
	JWTSecret     string
	EncryptionKey string
	WebhookToken  string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string
	PubSubTopic        string

	// AI extractor
	AIProvider    string // openai | stub
	AIModel       string
	AIAPIKey      string
	AITimeout     time.Duration
	AIMaxTokens   int
	AITemperature float64

	// Rate limits
	RateReadPerSec  int
	RateWritePerSec int
	RateReadBurst   int
	RateWriteBurst  int
	RateDailyUnits  int64

	// Resolver thresholds
	ConfidenceAuto   float64
	ConfidenceReview float64
	ConfidenceNew    float64

	// Polling / watch
	PollInterval       time.Duration
	WatchRenewalMargin time.Duration
	QuotaCooldown      time.Duration

	// Queues
	QueueMaxAttempts int
	QueueLease       time.Duration
	QueueBatch       int
	QueueWatermark   int
	BatchMax         int

	// Learning
	PatternMinSupport int

	// Retroactive scans
	ScanSliceDays int

	// Alerting
	ReviewRateAlert float64

	// Worker pool
	WorkerID  string
	WorkerMin int
	WorkerMax int
	AIWorkers int

	// Scheduler
	SchedulerEnabled bool

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		WebhookToken:  getEnv("WEBHOOK_TOKEN", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		PubSubTopic:        getEnv("PUBSUB_TOPIC", ""),

		AIProvider:    getEnv("AI_PROVIDER", "openai"),
		AIModel:       getEnv("AI_MODEL", "gpt-4o-mini"),
		AIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		AITimeout:     time.Duration(getEnvInt("AI_TIMEOUT_MS", 60000)) * time.Millisecond,
		AIMaxTokens:   getEnvInt("AI_MAX_TOKENS", 2048),
		AITemperature: getEnvFloat("AI_TEMPERATURE", 0.2),

		RateReadPerSec:  getEnvInt("RATE_READ_PER_SEC", 5),
		RateWritePerSec: getEnvInt("RATE_WRITE_PER_SEC", 5),
		RateReadBurst:   getEnvInt("RATE_READ_BURST", 5),
		RateWriteBurst:  getEnvInt("RATE_WRITE_BURST", 5),
		RateDailyUnits:  int64(getEnvInt("RATE_DAILY_UNITS", 1000000)),

		ConfidenceAuto:   getEnvFloat("CONFIDENCE_AUTO", 0.80),
		ConfidenceReview: getEnvFloat("CONFIDENCE_REVIEW", 0.60),
		ConfidenceNew:    getEnvFloat("CONFIDENCE_NEW", 0.40),

		PollInterval:       parsePollInterval(getEnv("POLL_INTERVAL", "normal")),
		WatchRenewalMargin: time.Duration(getEnvInt("WATCH_RENEWAL_MARGIN_MIN", 60)) * time.Minute,
		QuotaCooldown:      time.Duration(getEnvInt("QUOTA_COOLDOWN_MIN", 60)) * time.Minute,

		QueueMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueLease:       time.Duration(getEnvInt("QUEUE_LEASE_SEC", 120)) * time.Second,
		QueueBatch:       getEnvInt("QUEUE_BATCH", 10),
		QueueWatermark:   getEnvInt("QUEUE_WATERMARK", 5000),
		BatchMax:         getEnvInt("BATCH_MAX", 100),

		PatternMinSupport: getEnvInt("LEARNING_PATTERN_MIN_SUPPORT", 3),

		ScanSliceDays: getEnvInt("SCAN_SLICE_DAYS", 7),

		ReviewRateAlert: getEnvFloat("REVIEW_RATE_ALERT", 0.15),

		WorkerID:  getEnv("WORKER_ID", generateWorkerID()),
		WorkerMin: getEnvInt("WORKER_MIN", 2),
		WorkerMax: getEnvInt("WORKER_MAX", 20),
		AIWorkers: getEnvInt("AI_WORKERS", 4),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the fatal-config rule: a process with a broken
// configuration must not start workers.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.AIProvider == "openai" && c.AIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.AIProvider != "openai" && c.AIProvider != "stub" {
		return fmt.Errorf("unknown AI_PROVIDER %q (want openai or stub)", c.AIProvider)
	}
	if !(c.ConfidenceNew <= c.ConfidenceReview && c.ConfidenceReview <= c.ConfidenceAuto) {
		return fmt.Errorf("confidence thresholds must satisfy CONFIDENCE_NEW <= CONFIDENCE_REVIEW <= CONFIDENCE_AUTO")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	if c.BatchMax < 1 || c.BatchMax > 1000 {
		return fmt.Errorf("BATCH_MAX out of range: %d", c.BatchMax)
	}
	return nil
}

// parsePollInterval maps the named polling cadence onto a duration.
func parsePollInterval(name string) time.Duration {
	switch name {
	case "fast":
		return 60 * time.Second
	case "slow":
		return 900 * time.Second
	default:
		return 300 * time.Second
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
