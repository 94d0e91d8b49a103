/*
Package config loads service configuration from the environment.

PURPOSE:
  One flat Config struct, populated from environment variables with
  sensible defaults. A .env file in the working directory is loaded
  when present (dev convenience); real deployments set the variables
  directly.

FIXTURE MODE:
  With no CRM token configured the service runs against the in-memory
  CRM/HR fixtures, which keeps local development and CI off the real
  backends.
*/
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP
	Addr           string
	AllowedOrigins []string

	// Storage
	DBPath string

	// Scheduling
	Timezone      string
	HorizonWeeks  int
	PrestartWeeks int

	// CRM
	CRMBaseURL string
	CRMToken   string

	// HR
	HRBaseURL      string
	HRTokenURL     string
	HRClientID     string
	HRClientSecret string
	HRRefreshToken string

	// Notifications
	ChatWebhookURL string

	// Tuning
	CacheTTL        time.Duration
	FanOutLimit     int
	CallTimeout     time.Duration
	BulkTimeout     time.Duration
	AllocateTimeout time.Duration
}

// Load reads the environment (and .env when present) into a Config.
func Load() *Config {
	// Missing .env is the normal case outside dev.
	_ = godotenv.Load()

	return &Config{
		Addr:           getEnv("ADDR", ":8080"),
		AllowedOrigins: []string{getEnv("ALLOWED_ORIGIN", "*")},

		DBPath: getEnv("DB_PATH", "allocation.db"),

		Timezone:      getEnv("TIMEZONE", "Australia/Sydney"),
		HorizonWeeks:  getIntEnv("HORIZON_WEEKS", 52),
		PrestartWeeks: getIntEnv("PRESTART_WEEKS", 3),

		CRMBaseURL: getEnv("CRM_BASE_URL", "https://api.hubapi.com"),
		CRMToken:   getEnv("CRM_TOKEN", ""),

		HRBaseURL:      getEnv("HR_BASE_URL", ""),
		HRTokenURL:     getEnv("HR_TOKEN_URL", ""),
		HRClientID:     getEnv("HR_CLIENT_ID", ""),
		HRClientSecret: getEnv("HR_CLIENT_SECRET", ""),
		HRRefreshToken: getEnv("HR_REFRESH_TOKEN", ""),

		ChatWebhookURL: getEnv("CHAT_WEBHOOK_URL", ""),

		CacheTTL:        getDurationEnv("CACHE_TTL", 5*time.Minute),
		FanOutLimit:     getIntEnv("FAN_OUT_LIMIT", 16),
		CallTimeout:     getDurationEnv("CALL_TIMEOUT", 10*time.Second),
		BulkTimeout:     getDurationEnv("BULK_TIMEOUT", 30*time.Second),
		AllocateTimeout: getDurationEnv("ALLOCATE_TIMEOUT", 60*time.Second),
	}
}

// FixtureMode reports whether the service should run against the in-memory
// CRM and HR fixtures instead of real backends.
func (c *Config) FixtureMode() bool { return c.CRMToken == "" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
