/*
Package config loads server configuration from environment variables.

PURPOSE:
  Central place for every runtime knob: HTTP listen address, database path,
  logger settings, and the alert detection schedule. A .env file is loaded
  when present so local development needs no exported variables.

SEE ALSO:
  - cmd/server/main.go: The only consumer
*/
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Logger    LoggerConfig
	Database  DatabaseConfig
	Detection DetectionConfig
}

type ServerConfig struct {
	AppEnv string
	Port   string
}

type LoggerConfig struct {
	Level             string
	Encoding          string
	DisableCaller     bool
	DisableStacktrace bool
}

type DatabaseConfig struct {
	Path string
}

type DetectionConfig struct {
	// Enabled controls the periodic alert detection job.
	Enabled  bool
	Interval time.Duration
}

// LoadEnv reads configuration from the environment, loading .env first when
// one exists. Missing variables fall back to development defaults.
func LoadEnv() *Config {
	// Ignore the error: a missing .env just means real env vars are in use.
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			AppEnv: getEnv("APP_ENV", "dev"),
			Port:   getEnv("PORT", "8080"),
		},
		Logger: LoggerConfig{
			Level:             getEnv("LOGGER_LEVEL", "debug"),
			Encoding:          getEnv("LOGGER_ENCODING", "console"),
			DisableCaller:     getEnvBool("LOGGER_DISABLE_CALLER", false),
			DisableStacktrace: getEnvBool("LOGGER_DISABLE_STACKTRACE", true),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/costledger.db"),
		},
		Detection: DetectionConfig{
			Enabled:  getEnvBool("DETECTION_ENABLED", true),
			Interval: getEnvDuration("DETECTION_INTERVAL", time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
