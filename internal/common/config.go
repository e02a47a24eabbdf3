package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Executor ExecutorConfig
	Render   RenderConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr string
}

// ExecutorConfig holds worker-pool configuration
type ExecutorConfig struct {
	Workers      int
	QueueSize    int
	JobTimeout   time.Duration
	PollInterval time.Duration
}

// RenderConfig holds render-server supervision configuration
type RenderConfig struct {
	Binary        string        // executable spawned per case dir
	Host          string        // host advertised in connection strings
	PortMin       int           // inclusive
	PortMax       int           // inclusive
	ReadyTimeout  time.Duration // spawn-to-accepting budget
	StopGrace     time.Duration // SIGTERM-to-SIGKILL window
	StaleAfter    time.Duration // validated_at older than this is untrusted
	SweepInterval time.Duration // background reconciliation period; 0 disables
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			DSN:    getEnv("DB_DSN", "foamrun.db"),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		},
		Executor: ExecutorConfig{
			Workers:      getEnvAsInt("WORKER_COUNT", 4),
			QueueSize:    getEnvAsInt("QUEUE_SIZE", 64),
			JobTimeout:   getEnvAsDuration("JOB_TIMEOUT", 30*time.Minute),
			PollInterval: getEnvAsDuration("POLL_INTERVAL", 2*time.Second),
		},
		Render: RenderConfig{
			Binary:        getEnv("RENDER_BINARY", "pvserver"),
			Host:          getEnv("RENDER_HOST", "localhost"),
			PortMin:       getEnvAsInt("RENDER_PORT_MIN", 11111),
			PortMax:       getEnvAsInt("RENDER_PORT_MAX", 11211),
			ReadyTimeout:  getEnvAsDuration("RENDER_READY_TIMEOUT", 15*time.Second),
			StopGrace:     getEnvAsDuration("RENDER_STOP_GRACE", 5*time.Second),
			StaleAfter:    getEnvAsDuration("RENDER_STALE_AFTER", 60*time.Second),
			SweepInterval: getEnvAsDuration("RENDER_SWEEP_INTERVAL", time.Minute),
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
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be sqlite or postgres", ErrValidation)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_DSN is required", ErrValidation)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrValidation)
	}
	if c.Executor.Workers < 1 {
		return NewAppError("CONFIG_ERROR", "WORKER_COUNT must be at least 1", ErrValidation)
	}
	if c.Render.Binary == "" {
		return NewAppError("CONFIG_ERROR", "RENDER_BINARY is required", ErrValidation)
	}
	if c.Render.PortMin <= 0 || c.Render.PortMax > 65535 || c.Render.PortMin > c.Render.PortMax {
		return NewAppError("CONFIG_ERROR", "render port range is invalid", ErrValidation)
	}
	return nil
}
