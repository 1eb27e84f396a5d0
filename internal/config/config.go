// Markmill is a document to Markdown conversion service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the service configuration. Values are loaded once at startup
// from the environment (numeric delay and timeout variables are expressed in
// seconds for compatibility with existing deployments) and treated as
// immutable afterwards.
type Config struct {
	// DataDir is the root directory for task storage.
	DataDir string

	// DBPath is the SQLite database file path.
	DBPath string

	// MaxUploadSize is the admission byte ceiling for a single upload.
	MaxUploadSize int64

	// MaxConcurrentTasks is the worker pool size.
	MaxConcurrentTasks int

	// MaxConcurrentDescriptions bounds parallel vision calls per task.
	MaxConcurrentDescriptions int

	// DescriptionMaxRetries is the total vision attempt bound per image.
	DescriptionMaxRetries int

	// DescriptionRetryDelay is the vision backoff base.
	DescriptionRetryDelay time.Duration

	// WebhookTimeout is the per-attempt webhook delivery timeout.
	WebhookTimeout time.Duration

	// WebhookMaxRetries is the total webhook attempt bound.
	WebhookMaxRetries int

	// WebhookRetryDelay is the linear webhook backoff base.
	WebhookRetryDelay time.Duration

	// CleanupInterval is the janitor sweep period.
	CleanupInterval time.Duration

	// Retention measures how long task outputs survive after creation.
	Retention time.Duration

	// Host and Port describe the HTTP listener.
	Host string
	Port int

	// OpenAIAPIKey enables image descriptions when non-empty.
	OpenAIAPIKey string

	// OpenAIBaseURL is the chat-completions endpoint base.
	OpenAIBaseURL string

	// OpenAIModel is the vision model identifier.
	OpenAIModel string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir:                   "/data",
		DBPath:                    "/data/task_db.sqlite",
		MaxUploadSize:             500 * 1024 * 1024,
		MaxConcurrentTasks:        2,
		MaxConcurrentDescriptions: 5,
		DescriptionMaxRetries:     3,
		DescriptionRetryDelay:     1 * time.Second,
		WebhookTimeout:            10 * time.Second,
		WebhookMaxRetries:         3,
		WebhookRetryDelay:         5 * time.Second,
		CleanupInterval:           15 * time.Minute,
		Retention:                 24 * time.Hour,
		Host:                      "0.0.0.0",
		Port:                      8000,
		OpenAIAPIKey:              "",
		OpenAIBaseURL:             "https://api.openai.com/v1",
		OpenAIModel:               "gpt-4o-mini",
	}
}

// LoadFromEnv loads configuration from environment variables, starting from
// the defaults. Unset variables keep their default; malformed values fail
// loudly rather than silently running with surprising settings.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	// DATA_DIR
	if val := os.Getenv("DATA_DIR"); val != "" {
		cfg.DataDir = val
	}

	// DB_PATH
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	}

	// MAX_UPLOAD_SIZE (bytes)
	if val := os.Getenv("MAX_UPLOAD_SIZE"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_UPLOAD_SIZE value: %w", err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
		}
		cfg.MaxUploadSize = n
	}

	// MAX_CONCURRENT_TASKS
	if val := os.Getenv("MAX_CONCURRENT_TASKS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_CONCURRENT_TASKS value: %w", err)
		}
		if n < 1 || n > 64 {
			return cfg, fmt.Errorf("MAX_CONCURRENT_TASKS must be between 1 and 64")
		}
		cfg.MaxConcurrentTasks = n
	}

	// MAX_CONCURRENT_DESCRIPTIONS
	if val := os.Getenv("MAX_CONCURRENT_DESCRIPTIONS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_CONCURRENT_DESCRIPTIONS value: %w", err)
		}
		if n < 1 || n > 100 {
			return cfg, fmt.Errorf("MAX_CONCURRENT_DESCRIPTIONS must be between 1 and 100")
		}
		cfg.MaxConcurrentDescriptions = n
	}

	// DESCRIPTION_MAX_RETRIES
	if val := os.Getenv("DESCRIPTION_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid DESCRIPTION_MAX_RETRIES value: %w", err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("DESCRIPTION_MAX_RETRIES must be at least 1")
		}
		cfg.DescriptionMaxRetries = n
	}

	// DESCRIPTION_RETRY_DELAY (seconds)
	if val := os.Getenv("DESCRIPTION_RETRY_DELAY"); val != "" {
		d, err := parseSeconds(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid DESCRIPTION_RETRY_DELAY value: %w", err)
		}
		cfg.DescriptionRetryDelay = d
	}

	// WEBHOOK_TIMEOUT (seconds)
	if val := os.Getenv("WEBHOOK_TIMEOUT"); val != "" {
		d, err := parseSeconds(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WEBHOOK_TIMEOUT value: %w", err)
		}
		cfg.WebhookTimeout = d
	}

	// WEBHOOK_MAX_RETRIES
	if val := os.Getenv("WEBHOOK_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WEBHOOK_MAX_RETRIES value: %w", err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("WEBHOOK_MAX_RETRIES must be at least 1")
		}
		cfg.WebhookMaxRetries = n
	}

	// WEBHOOK_RETRY_DELAY (seconds)
	if val := os.Getenv("WEBHOOK_RETRY_DELAY"); val != "" {
		d, err := parseSeconds(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WEBHOOK_RETRY_DELAY value: %w", err)
		}
		cfg.WebhookRetryDelay = d
	}

	// CLEANUP_INTERVAL_MINUTES
	if val := os.Getenv("CLEANUP_INTERVAL_MINUTES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLEANUP_INTERVAL_MINUTES value: %w", err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("CLEANUP_INTERVAL_MINUTES must be at least 1")
		}
		cfg.CleanupInterval = time.Duration(n) * time.Minute
	}

	// RETENTION_HOURS
	if val := os.Getenv("RETENTION_HOURS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RETENTION_HOURS value: %w", err)
		}
		if n < 0 {
			return cfg, fmt.Errorf("RETENTION_HOURS must not be negative")
		}
		cfg.Retention = time.Duration(n) * time.Hour
	}

	// HOST
	if val := os.Getenv("HOST"); val != "" {
		cfg.Host = val
	}

	// PORT
	if val := os.Getenv("PORT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid PORT value: %w", err)
		}
		if n < 1 || n > 65535 {
			return cfg, fmt.Errorf("PORT must be between 1 and 65535")
		}
		cfg.Port = n
	}

	// OPENAI_API_KEY
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		cfg.OpenAIAPIKey = val
	}

	// OPENAI_BASE_URL
	if val := os.Getenv("OPENAI_BASE_URL"); val != "" {
		cfg.OpenAIBaseURL = val
	}

	// OPENAI_MODEL
	if val := os.Getenv("OPENAI_MODEL"); val != "" {
		cfg.OpenAIModel = val
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxUploadSize < 1 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1")
	}
	if c.MaxConcurrentDescriptions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DESCRIPTIONS must be at least 1")
	}
	if c.DescriptionMaxRetries < 1 {
		return fmt.Errorf("DESCRIPTION_MAX_RETRIES must be at least 1")
	}
	if c.DescriptionRetryDelay < 0 {
		return fmt.Errorf("DESCRIPTION_RETRY_DELAY must not be negative")
	}
	if c.WebhookTimeout < time.Second {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be at least 1 second")
	}
	if c.WebhookMaxRetries < 1 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be at least 1")
	}
	if c.WebhookRetryDelay < 0 {
		return fmt.Errorf("WEBHOOK_RETRY_DELAY must not be negative")
	}
	if c.CleanupInterval < time.Minute {
		return fmt.Errorf("CLEANUP_INTERVAL_MINUTES must be at least 1 minute")
	}
	if c.Retention < 0 {
		return fmt.Errorf("RETENTION_HOURS must not be negative")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// VisionEnabled reports whether image descriptions can be produced.
func (c *Config) VisionEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// parseSeconds converts a decimal seconds value ("10", "1.5") to a Duration.
func parseSeconds(val string) (time.Duration, error) {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return time.Duration(f * float64(time.Second)), nil
}
