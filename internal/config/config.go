package config

import (
	"fmt"
	"strings"
	"time"

	"photoflow/internal/models"

	"github.com/spf13/viper"
)

type Config struct {
	Database struct {
		Driver string `mapstructure:"driver"` // "postgres", "sqlite" or "memory"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Worker struct {
		Concurrency int            `mapstructure:"concurrency"`
		Queues      map[string]int `mapstructure:"queues"`
	} `mapstructure:"worker"`

	Server struct {
		Address       string `mapstructure:"address"`
		CallbackToken string `mapstructure:"callback_token"`
	} `mapstructure:"server"`

	Engine struct {
		MaxRetries         int           `mapstructure:"max_retries"`
		BaseDelay          time.Duration `mapstructure:"base_delay"`
		BatchSize          int           `mapstructure:"batch_size"`
		InferenceTimeout   time.Duration `mapstructure:"inference_timeout"`
		StaleGrace         time.Duration `mapstructure:"stale_grace"`
		MaxCallbackPayload int           `mapstructure:"max_callback_payload"`
		Retention          time.Duration `mapstructure:"retention"`
		PollInterval       time.Duration `mapstructure:"poll_interval"`
		CompleteOnCallback bool          `mapstructure:"complete_on_callback"`
	} `mapstructure:"engine"`

	Inference struct {
		Provider     string   `mapstructure:"provider"` // "openai", "gemini" or "noop"
		Fallback     []string `mapstructure:"fallback"`
		OpenaiApiKey string   `mapstructure:"openai_api_key"`
		OpenaiModel  string   `mapstructure:"openai_model"`
		GoogleApiKey string   `mapstructure:"google_api_key"`
		GeminiModel  string   `mapstructure:"gemini_model"`
		ImageSize    string   `mapstructure:"image_size"`
		MaxAttempts  int      `mapstructure:"max_attempts"`
		RetryDelayMs int64    `mapstructure:"retry_delay_ms"`
	} `mapstructure:"inference"`

	Storage struct {
		Backend          string        `mapstructure:"backend"` // "fs" or "memory"
		Root             string        `mapstructure:"root"`
		PublicBaseURL    string        `mapstructure:"public_base_url"`
		MaxDownloadBytes int64         `mapstructure:"max_download_bytes"`
		FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	} `mapstructure:"storage"`

	Prompts struct {
		Photography string `mapstructure:"photography"`
		Fitting     string `mapstructure:"fitting"`
		Avatar      string `mapstructure:"avatar"`
		MaxChars    int    `mapstructure:"max_chars"`
	} `mapstructure:"prompts"`

	Pricing struct {
		Credits map[string]int `mapstructure:"credits"`
	} `mapstructure:"pricing"`

	Cache struct {
		Enabled bool          `mapstructure:"enabled"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "photoflow.db")

	v.SetDefault("redis.db", 0)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queues", map[string]int{"callbacks": 6, "scheduler": 3, "default": 1})

	v.SetDefault("server.address", "localhost:8080")

	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.base_delay", 5*time.Second)
	v.SetDefault("engine.batch_size", 10)
	v.SetDefault("engine.inference_timeout", 5*time.Minute)
	v.SetDefault("engine.stale_grace", time.Minute)
	v.SetDefault("engine.max_callback_payload", 1<<20)
	v.SetDefault("engine.retention", 24*time.Hour)
	v.SetDefault("engine.poll_interval", 5*time.Second)
	v.SetDefault("engine.complete_on_callback", true)

	v.SetDefault("inference.provider", "noop")
	v.SetDefault("inference.openai_model", "dall-e-3")
	v.SetDefault("inference.gemini_model", "gemini-2.0-flash-exp-image-generation")
	v.SetDefault("inference.image_size", "1024x1024")
	v.SetDefault("inference.max_attempts", 2)
	v.SetDefault("inference.retry_delay_ms", 500)

	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.root", "./artifacts")
	v.SetDefault("storage.max_download_bytes", 20<<20)
	v.SetDefault("storage.fetch_timeout", 30*time.Second)

	v.SetDefault("prompts.max_chars", 600)
	v.SetDefault("pricing.credits", map[string]int{"photography": 5, "fitting": 8, "avatar": 10})

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", 30*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads config.yaml from the current directory, or from path when
// it is non-empty, layered over defaults and environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".") // Look for config.yaml in the current directory
	}

	// Nested keys map to env vars like ENGINE_MAX_RETRIES.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("inference.openai_api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("inference.google_api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("redis.address", "REDIS_ADDR")

	if err := v.ReadInConfig(); err != nil {
		// It's okay if the config file doesn't exist, Viper might rely solely on env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	return &config, nil
}

// Prices returns the per-job-type credit prices.
func (c *Config) Prices() map[models.JobType]int {
	out := make(map[models.JobType]int, len(c.Pricing.Credits))
	for k, v := range c.Pricing.Credits {
		out[models.JobType(k)] = v
	}
	return out
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool { return c.Redis.Address != "" }
