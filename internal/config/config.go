// Package config provides configuration management for the dataflow engine.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration so the engine starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - LOG_LEVEL: Logging level (default: info)
//
// Run History:
//   - DATABASE_PATH: SQLite database file for run history (default: ./dataflow.db)
//
// Checkpoint Store:
//   - CHECKPOINT_BACKEND: "memory" or "redis" (default: memory)
//   - CHECKPOINT_TTL: How long flushed cursors survive in Redis (default: 168h)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Expression Evaluator:
//   - EXPR_DISABLED: Fail every evaluation with a disabled error (default: false)
//   - EXPR_TIMEOUT: Per-evaluation timeout (default: 250ms)
//   - EXPR_MAX_LENGTH: Maximum expression length in bytes (default: 1024)
//   - EXPR_CACHE_CAPACITY: Compiled-program cache size (default: 1000)
//
// Orchestrator:
//   - MAX_CONCURRENT_STEPS: Step-level parallelism per run (default: 1)
//   - ERROR_POLICY: FAIL_FAST or CONTINUE (default: FAIL_FAST)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the engine. All fields
// correspond to environment variables that can be set to override the
// default values. Load the configuration with Load() and call Validate()
// before use.
type Config struct {
	// Application settings
	LogLevel string // Logging level (debug, info, warn, error)

	// Run history persistence
	DatabasePath string // Path to the SQLite run-history database

	// Checkpoint store
	CheckpointBackend string        // "memory" or "redis"
	CheckpointTTL     time.Duration // Cursor lifetime in Redis after last flush
	RedisAddress      string        // Redis server address (host:port)
	RedisPassword     string        // Redis authentication password
	RedisDB           int           // Redis database number (0-15)
	RedisPoolSize     int           // Redis connection pool size

	// Expression evaluator
	ExprDisabled      bool          // Refuse all expression evaluation
	ExprTimeout       time.Duration // Per-evaluation timeout
	ExprMaxLength     int           // Maximum expression length in bytes
	ExprCacheCapacity int           // Compiled-program cache size

	// Orchestrator defaults
	MaxConcurrentSteps int    // Step-level parallelism per run
	ErrorPolicy        string // FAIL_FAST or CONTINUE
}

// Load creates a new Config with values from environment variables,
// falling back to defaults for anything unset. Load does not validate;
// call Validate() on the result.
func Load() *Config {
	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabasePath: getEnv("DATABASE_PATH", "./dataflow.db"),

		CheckpointBackend: getEnv("CHECKPOINT_BACKEND", "memory"),
		CheckpointTTL:     getDurationEnv("CHECKPOINT_TTL", 168*time.Hour),
		RedisAddress:      getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getIntEnv("REDIS_DB", 0),
		RedisPoolSize:     getIntEnv("REDIS_POOL_SIZE", 10),

		ExprDisabled:      getBoolEnv("EXPR_DISABLED", false),
		ExprTimeout:       getDurationEnv("EXPR_TIMEOUT", 250*time.Millisecond),
		ExprMaxLength:     getIntEnv("EXPR_MAX_LENGTH", 1024),
		ExprCacheCapacity: getIntEnv("EXPR_CACHE_CAPACITY", 1000),

		MaxConcurrentSteps: getIntEnv("MAX_CONCURRENT_STEPS", 1),
		ErrorPolicy:        getEnv("ERROR_POLICY", "FAIL_FAST"),
	}
}

// Validate ensures all configuration values are usable. It returns the
// first problem found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.CheckpointBackend) {
	case "memory", "redis":
	default:
		return fmt.Errorf("CHECKPOINT_BACKEND must be \"memory\" or \"redis\", got %q", c.CheckpointBackend)
	}

	if c.CheckpointBackend == "redis" {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when CHECKPOINT_BACKEND is redis")
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			return fmt.Errorf("REDIS_DB must be between 0 and 15, got %d", c.RedisDB)
		}
		if c.RedisPoolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be positive, got %d", c.RedisPoolSize)
		}
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}

	if c.ExprTimeout <= 0 {
		return fmt.Errorf("EXPR_TIMEOUT must be positive, got %s", c.ExprTimeout)
	}
	if c.ExprMaxLength < 1 {
		return fmt.Errorf("EXPR_MAX_LENGTH must be positive, got %d", c.ExprMaxLength)
	}
	if c.ExprCacheCapacity < 1 {
		return fmt.Errorf("EXPR_CACHE_CAPACITY must be positive, got %d", c.ExprCacheCapacity)
	}

	if c.MaxConcurrentSteps < 1 {
		return fmt.Errorf("MAX_CONCURRENT_STEPS must be at least 1, got %d", c.MaxConcurrentSteps)
	}

	switch strings.ToUpper(c.ErrorPolicy) {
	case "FAIL_FAST", "CONTINUE":
	default:
		return fmt.Errorf("ERROR_POLICY must be FAIL_FAST or CONTINUE, got %q", c.ErrorPolicy)
	}

	return nil
}

// getEnv retrieves an environment variable value or returns the default
// when the variable is not set or empty.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable, accepting the
// representations strconv.ParseBool does. Unset or invalid values return
// the default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable. Unset or invalid
// values return the default.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable in Go duration
// syntax ("250ms", "1m"). Unset or invalid values return the default.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
