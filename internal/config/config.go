package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/sentence-pooler/internal/embeddings"
	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// envKeys are the settings that can be overridden from POOLER_* variables
// even when the config file does not mention them.
var envKeys = []string{
	"server.host",
	"server.port",
	"logging.level",
	"logging.format",
	"pooling.strategy",
	"pooling.workers",
	"pooling.strict_mask",
	"pooling.normalize",
	"model.backend",
	"model.model_path",
	"model.vocab_path",
	"model.hidden_size",
	"model.max_length",
	"model.batch_size",
	"cache.enabled",
	"cache.redis_url",
	"database.enabled",
	"database.database_url",
	"rate_limit.enabled",
	"rate_limit.requests_per_second",
	"rate_limit.burst",
	"websocket.enabled",
	"websocket.username",
	"websocket.password",
	"etl.batch_size",
	"etl.dry_run",
}

// Loader reads configuration from a file and POOLER_* environment variables
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader. An empty configPath searches the default
// locations for config.yaml.
func NewLoader(configPath string) *Loader {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/sentence-pooler/")
	v.AddConfigPath("$HOME/.sentence-pooler/")

	// Environment variable overrides
	v.SetEnvPrefix("POOLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	return &Loader{v: v}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads, unmarshals and validates the configuration
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return l.decode()
}

// ConfigFile returns the file in use, or "" when running on defaults
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	config := GetDefaults()
	if err := l.v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid max_body_bytes: %d", config.Server.MaxBodyBytes)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if _, err := pooling.ParseStrategy(string(config.Pooling.Strategy)); err != nil {
		return fmt.Errorf("invalid pooling strategy: %w", err)
	}

	if err := embeddings.ValidateServiceConfig(embeddings.ServiceConfig{
		Model:   config.Model,
		Pooling: config.Pooling,
	}); err != nil {
		return err
	}

	if config.Model.Backend == embeddings.OnnxBackendType && config.Model.ModelPath == "" {
		return fmt.Errorf("model.model_path is required for the onnx backend")
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required when the cache is enabled")
	}

	if config.Database.Enabled && config.Database.DatabaseURL == "" {
		return fmt.Errorf("database.database_url is required when the database is enabled")
	}

	if config.Search.MinSimilarity < -1 || config.Search.MinSimilarity > 1 {
		return fmt.Errorf("invalid search min_similarity: %v (must be within [-1, 1])", config.Search.MinSimilarity)
	}

	if config.RateLimit.Enabled {
		if config.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("invalid rate limit: %v requests per second", config.RateLimit.RequestsPerSecond)
		}
		if config.RateLimit.Burst <= 0 {
			return fmt.Errorf("invalid rate limit burst: %d", config.RateLimit.Burst)
		}
	}

	if config.ETL.BatchSize <= 0 {
		return fmt.Errorf("invalid etl batch size: %d", config.ETL.BatchSize)
	}

	if config.ETL.Strategy != "" {
		if _, err := pooling.ParseStrategy(config.ETL.Strategy); err != nil {
			return fmt.Errorf("invalid etl strategy: %w", err)
		}
	}

	return nil
}

// Watch starts watching the configuration file for changes. callback
// receives every valid new configuration; onError, if set, receives
// reloads that failed to decode or validate.
func (l *Loader) Watch(callback func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	l.v.WatchConfig()
}
