package config

import (
	"errors"
	"fmt"

	"photoflow/internal/models"
)

var (
	validDrivers   = map[string]bool{"postgres": true, "sqlite": true, "memory": true}
	validProviders = map[string]bool{"openai": true, "gemini": true, "noop": true}
	validBackends  = map[string]bool{"fs": true, "memory": true}
)

func (c *Config) Validate() error {
	// Database config
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of postgres, sqlite, memory (got %q)", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}

	// Worker config
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be a positive integer")
	}
	if len(c.Worker.Queues) == 0 {
		return errors.New("worker.queues must define at least one queue")
	}
	for name, priority := range c.Worker.Queues {
		if name == "" {
			return errors.New("worker.queues contains an empty queue name")
		}
		if priority <= 0 {
			return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
		}
	}

	// Engine config
	if c.Engine.MaxRetries < 0 {
		return errors.New("engine.max_retries must not be negative")
	}
	if c.Engine.BaseDelay <= 0 {
		return errors.New("engine.base_delay must be positive")
	}
	if c.Engine.BatchSize <= 0 {
		return errors.New("engine.batch_size must be positive")
	}
	if c.Engine.InferenceTimeout <= 0 {
		return errors.New("engine.inference_timeout must be positive")
	}
	if c.Engine.PollInterval <= 0 {
		return errors.New("engine.poll_interval must be positive")
	}
	if c.Engine.MaxCallbackPayload <= 0 {
		return errors.New("engine.max_callback_payload must be positive")
	}

	// Inference config
	chain := append([]string{c.Inference.Provider}, c.Inference.Fallback...)
	for _, p := range chain {
		if !validProviders[p] {
			return fmt.Errorf("inference provider %q is not supported (use openai, gemini or noop)", p)
		}
		if p == "openai" && c.Inference.OpenaiApiKey == "" {
			return errors.New("inference.openai_api_key is required when the openai provider is used")
		}
		if p == "gemini" && c.Inference.GoogleApiKey == "" {
			return errors.New("inference.google_api_key is required when the gemini provider is used")
		}
	}

	// Storage config
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("storage.backend must be fs or memory (got %q)", c.Storage.Backend)
	}
	if c.Storage.Backend == "fs" && c.Storage.Root == "" {
		return errors.New("storage.root is required for the fs backend")
	}
	if c.Storage.MaxDownloadBytes <= 0 {
		return errors.New("storage.max_download_bytes must be positive")
	}

	// Pricing config
	for name, price := range c.Pricing.Credits {
		if !models.JobType(name).Valid() {
			return fmt.Errorf("pricing.credits has unknown job type %q", name)
		}
		if price < 0 {
			return fmt.Errorf("pricing.credits for %s must not be negative", name)
		}
	}

	// Cache config
	if c.Cache.Enabled && !c.RedisEnabled() {
		return errors.New("cache.enabled requires redis.address")
	}

	return nil
}
