package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	DataDir  string
	Database DatabaseConfig
	Server   ServerConfig
	Scan     ScanConfig
	OCR      OCRConfig
	Tasks    TaskConfig
}

// DatabaseConfig holds persistent-store configuration. Driver is either
// "postgres" (DSN) or "sqlite" (Path).
type DatabaseConfig struct {
	Driver           string
	DSN              string
	Path             string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string
}

// ScanConfig holds reconciliation-related configuration
type ScanConfig struct {
	Root       string
	SkipHidden bool
	Watch      bool
	Debounce   time.Duration
}

// OCRConfig holds remote document-processor configuration
type OCRConfig struct {
	ServerURL string
	Timeout   time.Duration
}

// TaskConfig holds orchestrator configuration. Workers <= 0 means
// min(4, available cores).
type TaskConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	CleanupAge  time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		DataDir: getEnv("DATA_DIR", "./data"),
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			Path:             getEnv("DB_PATH", "./data/doctracker.db"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8090"),
			GRPCAddr: getEnv("GRPC_ADDR", ":8091"),
		},
		Scan: ScanConfig{
			Root:       getEnv("SCAN_ROOT", ""),
			SkipHidden: getEnvAsBool("SCAN_SKIP_HIDDEN", true),
			Watch:      getEnvAsBool("SCAN_WATCH", false),
			Debounce:   getEnvAsDuration("SCAN_DEBOUNCE", 2*time.Second),
		},
		OCR: OCRConfig{
			ServerURL: getEnv("OCR_SERVER_URL", "http://127.0.0.1:8888"),
			Timeout:   getEnvAsDuration("OCR_TIMEOUT", 5*time.Minute),
		},
		Tasks: TaskConfig{
			Workers:     getEnvAsInt("TASK_WORKERS", 0),
			QueueSize:   getEnvAsInt("TASK_QUEUE_SIZE", 256),
			TaskTimeout: getEnvAsDuration("TASK_TIMEOUT", time.Hour),
			CleanupAge:  getEnvAsDuration("TASK_CLEANUP_AGE", 24*time.Hour),
		},
	}
}

// Helper functions for environment variable parsing
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

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return NewAppError("CONFIG_ERROR", "DATA_DIR is required", ErrInvalidInput)
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required for the postgres driver", ErrInvalidInput)
		}
	case "sqlite":
		if c.Database.Path == "" {
			return NewAppError("CONFIG_ERROR", "DB_PATH is required for the sqlite driver", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	return nil
}
