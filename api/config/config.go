package config

import (
	"os"
	"strconv"
	"time"

	workerconfig "imageBatch/worker/config"
)

type Config struct {
	Port            string
	Env             string
	MaxFileSize     int64
	ShutdownTimeout time.Duration
	// EmbedScheduler runs the scheduler in the API process. When false the
	// API only records batches and a separate worker process executes them.
	EmbedScheduler  bool

	// Worker configures the embedded scheduler and its stores.
	Worker *workerconfig.Config
}

func Load() (*Config, error) {
	worker, err := workerconfig.Load("")
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:            getEnv("SERVICE_PORT", "8081"),
		Env:             worker.Env,
		MaxFileSize:     getEnvAsInt64("MAX_FILE_SIZE", 10*1024*1024),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		EmbedScheduler:  getEnvAsBool("EMBED_SCHEDULER", true),
		Worker:          worker,
	}, nil
}

// MaxBatchImages is the number of files a single submit may carry.
func (c *Config) MaxBatchImages() int {
	return c.Worker.MaxBatchImages
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
