package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (rate limiting + inbound event guard)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS domain-event queue
	SQSRegion   string
	SQSQueueURL string

	// Telegram channel
	TelegramBotToken        string
	TelegramAPIBase         string
	TelegramMaxRetries      int
	TelegramRetryBackoffMS  int
	TelegramAggregateWindow int // seconds; 0 delivers immediately
	SiteBaseURL             string

	// Auth service (telegram recipient directory)
	AuthServiceBaseURL string

	// Read-state
	MarkAllReadBatch int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8095,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "aniway",
		DBPassword: "",
		DBName:     "notifications",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		SQSRegion: "us-east-1",

		TelegramAPIBase:        "https://api.telegram.org",
		TelegramMaxRetries:     3,
		TelegramRetryBackoffMS: 500,
		SiteBaseURL:            "https://aniway.space",

		AuthServiceBaseURL: "http://auth-service:8085",

		MarkAllReadBatch: 50,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.SQSRegion = region
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Telegram config
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.TelegramBotToken = token
	}

	if base := os.Getenv("TELEGRAM_API_BASE"); base != "" {
		cfg.TelegramAPIBase = base
	}

	if retries := os.Getenv("TELEGRAM_MAX_RETRIES"); retries != "" {
		n, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_MAX_RETRIES: %w", err)
		}
		cfg.TelegramMaxRetries = n
	}

	if backoff := os.Getenv("TELEGRAM_RETRY_BACKOFF_MS"); backoff != "" {
		n, err := strconv.Atoi(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_RETRY_BACKOFF_MS: %w", err)
		}
		cfg.TelegramRetryBackoffMS = n
	}

	if window := os.Getenv("TELEGRAM_AGGREGATE_WINDOW_SECONDS"); window != "" {
		n, err := strconv.Atoi(window)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_AGGREGATE_WINDOW_SECONDS: %w", err)
		}
		cfg.TelegramAggregateWindow = n
	}

	if base := os.Getenv("SITE_BASE_URL"); base != "" {
		cfg.SiteBaseURL = base
	}

	if base := os.Getenv("AUTH_SERVICE_BASE_URL"); base != "" {
		cfg.AuthServiceBaseURL = base
	}

	if batch := os.Getenv("MARK_ALL_READ_BATCH"); batch != "" {
		n, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid MARK_ALL_READ_BATCH: %w", err)
		}
		cfg.MarkAllReadBatch = n
	}

	return cfg, nil
}
