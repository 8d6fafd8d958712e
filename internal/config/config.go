package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Store backend: "file" or "postgres"
	StoreDriver string
	StorePath   string // JSON file path for the file backend
	PostgresDSN string

	// Redis (dedup keys + outbound throughput limiter)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// WhatsApp Cloud API
	WhatsAppEndpoint string
	WhatsAppPhoneID  string
	WhatsAppToken    string

	// Address normalization
	DefaultCountryCode string // prepended to bare 9-digit numbers
	AddressSuffix      string // channel address suffix, e.g. "@c.us"

	// Dispatch pacing
	InterDispatchDelay time.Duration

	// Connection manager
	ReconnectDelay time.Duration

	// Reminder scheduler
	ReminderHour int // local hour of day for the daily pass

	// Outbound throughput limit (sends per window)
	SendLimit  int
	SendWindow time.Duration

	// AI auto-reply
	AIEnabled    bool
	OpenAIAPIKey string
	OpenAIModel  string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: "file",
		StorePath:   "data/wasub.json",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		WhatsAppEndpoint: "https://graph.facebook.com/v18.0",

		DefaultCountryCode: "51",
		AddressSuffix:      "@c.us",

		InterDispatchDelay: 2 * time.Second,
		ReconnectDelay:     5 * time.Second,
		ReminderHour:       9,

		SendLimit:  20,
		SendWindow: time.Minute,
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

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		if driver != "file" && driver != "postgres" {
			return nil, fmt.Errorf("invalid STORE_DRIVER: %q (want file or postgres)", driver)
		}
		cfg.StoreDriver = driver
	}

	if path := os.Getenv("STORE_PATH"); path != "" {
		cfg.StorePath = path
	}

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.PostgresDSN = dsn
	}
	if cfg.StoreDriver == "postgres" && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required when STORE_DRIVER=postgres")
	}

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

	if endpoint := os.Getenv("WHATSAPP_ENDPOINT"); endpoint != "" {
		cfg.WhatsAppEndpoint = endpoint
	}

	if id := os.Getenv("WHATSAPP_PHONE_ID"); id != "" {
		cfg.WhatsAppPhoneID = id
	}

	if token := os.Getenv("WHATSAPP_TOKEN"); token != "" {
		cfg.WhatsAppToken = token
	}

	if cc := os.Getenv("DEFAULT_COUNTRY_CODE"); cc != "" {
		cfg.DefaultCountryCode = cc
	}

	if suffix := os.Getenv("ADDRESS_SUFFIX"); suffix != "" {
		cfg.AddressSuffix = suffix
	}

	if delay := os.Getenv("INTER_DISPATCH_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid INTER_DISPATCH_DELAY: %w", err)
		}
		cfg.InterDispatchDelay = d
	}

	if delay := os.Getenv("RECONNECT_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONNECT_DELAY: %w", err)
		}
		cfg.ReconnectDelay = d
	}

	if hour := os.Getenv("REMINDER_HOUR"); hour != "" {
		h, err := strconv.Atoi(hour)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid REMINDER_HOUR: %q", hour)
		}
		cfg.ReminderHour = h
	}

	if limit := os.Getenv("SEND_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_LIMIT: %w", err)
		}
		cfg.SendLimit = l
	}

	if window := os.Getenv("SEND_WINDOW"); window != "" {
		w, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_WINDOW: %w", err)
		}
		cfg.SendWindow = w
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIAPIKey = key
		cfg.AIEnabled = true
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	} else {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	return cfg, nil
}
