package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver    string
	DBPath      string
	DatabaseURL string

	EncryptionKey string

	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	OpenAITemperature   float64
	OpenAITimeoutMs     int
	ClassifierExcerpt   int
	ClassifierMaxTokens int

	SerperAPIKey       string
	SerperBaseURL      string
	SerperCountry      string
	SerperLanguage     string
	SerperNum          int
	SerperTimeoutMs    int
	SerperRateLimitRPS int
	PriceDecimal       string

	IMAPMailbox        string
	IMAPSubjectKeyword string
	IMAPTimeoutMs      int
	IMAPInsecure       bool

	EmailWatchIntervalSec int

	SourcingMaxOptions     int
	SourcingDelayMs        int
	SourcingSettleMs       int
	SourcingDedupWindowSec int
	SourcingDedupMax       int

	FeedDriver         string
	FeedChannel        string
	FeedPollIntervalMs int
	RedisAddr          string
	RedisPassword      string
	RedisDB            int

	APIAddr     string
	MetricsAddr string

	LogLevel       string
	LogDevelopment bool
	LogFile        string
}

func Load() (Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:      getEnv("DB_PATH", filepath.Join(cwd, "data", "procure.db")),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		EncryptionKey: trimQuotes(getEnv("ENCRYPTION_KEY", "")),

		OpenAIAPIKey:        trimQuotes(getEnv("OPENAI_API_KEY", "")),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAITemperature:   getEnvFloat("OPENAI_TEMPERATURE", 0.3),
		OpenAITimeoutMs:     getEnvInt("OPENAI_TIMEOUT_MS", 60000),
		ClassifierExcerpt:   getEnvInt("CLASSIFIER_EXCERPT_CHARS", 2000),
		ClassifierMaxTokens: getEnvInt("CLASSIFIER_MAX_TOKENS", 500),

		SerperAPIKey:       trimQuotes(getEnv("SERPER_API_KEY", "")),
		SerperBaseURL:      getEnv("SERPER_BASE_URL", "https://google.serper.dev"),
		SerperCountry:      getEnv("SERPER_COUNTRY", "it"),
		SerperLanguage:     getEnv("SERPER_LANGUAGE", "it"),
		SerperNum:          getEnvInt("SERPER_NUM", 40),
		SerperTimeoutMs:    getEnvInt("SERPER_TIMEOUT_MS", 30000),
		SerperRateLimitRPS: getEnvInt("SERPER_RATE_LIMIT_RPS", 5),
		PriceDecimal:       strings.ToLower(getEnv("PRICE_DECIMAL", "auto")),

		IMAPMailbox:        getEnv("IMAP_MAILBOX", "INBOX"),
		IMAPSubjectKeyword: getEnv("IMAP_SUBJECT_KEYWORD", "acquisto"),
		IMAPTimeoutMs:      getEnvInt("IMAP_TIMEOUT_MS", 30000),
		IMAPInsecure:       getEnvBool("IMAP_INSECURE", false),

		EmailWatchIntervalSec: getEnvInt("EMAIL_WATCH_INTERVAL_SEC", 30),

		SourcingMaxOptions:     getEnvInt("SOURCING_MAX_OPTIONS", 10),
		SourcingDelayMs:        getEnvInt("SOURCING_DELAY_MS", 1000),
		SourcingSettleMs:       getEnvInt("SOURCING_SETTLE_MS", 500),
		SourcingDedupWindowSec: getEnvInt("SOURCING_DEDUP_WINDOW_SEC", 3600),
		SourcingDedupMax:       getEnvInt("SOURCING_DEDUP_MAX", 10000),

		FeedDriver:         strings.ToLower(getEnv("FEED_DRIVER", "poll")),
		FeedChannel:        getEnv("FEED_CHANNEL", "procure_changes"),
		FeedPollIntervalMs: getEnvInt("FEED_POLL_INTERVAL_MS", 2000),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),

		APIAddr:     getEnv("API_ADDR", ":3001"),
		MetricsAddr: getEnv("METRICS_ADDR", ""),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDevelopment: getEnvBool("LOG_DEVELOPMENT", false),
		LogFile:        getEnv("LOG_FILE", ""),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

// .env files written by the dashboard tooling quote secrets.
func trimQuotes(value string) string {
	return strings.Trim(strings.TrimSpace(value), `"'`)
}
