package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Output
	OutputDir string
	DBPath    string

	// Fetch policy
	MaxAttempts int
	RetryDelay  time.Duration
	PaceDelay   time.Duration

	// Scheduling
	Workers int
}

func Load() *Config {
	// .env is optional
	_ = godotenv.Load()

	return &Config{
		OutputDir: getEnv("HARVEST_OUTPUT_DIR", "data/raw"),
		DBPath:    getEnv("HARVEST_DB_PATH", ""),

		MaxAttempts: getEnvAsInt("HARVEST_MAX_ATTEMPTS", 3),
		RetryDelay:  getEnvAsDuration("HARVEST_RETRY_DELAY", 2*time.Second),
		PaceDelay:   getEnvAsDuration("HARVEST_PACE_DELAY", time.Second),

		Workers: getEnvAsInt("HARVEST_WORKERS", 1),
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
