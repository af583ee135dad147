package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Ingest server config
	ServerPort int

	// Ledger config
	DBPath string

	// Session correlation config
	SessionSearchDepth int
}

func Load() *Config {
	// Best-effort: a missing .env file is not an error.
	_ = godotenv.Load()

	return &Config{
		ServerPort:         getEnvAsInt("STATLINE_PORT", 4318),
		DBPath:             getEnv("STATLINE_DB_PATH", "./db/statline.db"),
		SessionSearchDepth: getEnvAsInt("STATLINE_SESSION_SEARCH_DEPTH", 20),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
