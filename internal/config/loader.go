package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default registry endpoints.
const (
	DefaultProductionURL = "http://rndcws.mintransporte.gov.co:8080/ws/svr008w.dll/soap/IBPMServices"
	DefaultTestURL       = "http://rndcwstest.mintransporte.gov.co:8080/ws/svr008w.dll/soap/IBPMServices"
)

// Load reads configs/config.yaml (optional), a .env file (optional) and the
// process environment. Environment keys use "_" for nesting: RNDC_USERNAME.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	return load(v, false)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return load(v, true)
}

func load(v *viper.Viper, mustExist bool) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("error loading .env: %w", err)
		}
	}

	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || mustExist {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it even when
// no config file is present.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.allowed_base_dir", "/data/incoming")
	v.SetDefault("server.queue_size", 1000)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle", 5)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_key", "rndc:batches:queue")

	v.SetDefault("rndc.username", "")
	v.SetDefault("rndc.password", "")
	v.SetDefault("rndc.environment", "test")
	v.SetDefault("rndc.environments", map[string]string{
		"production": DefaultProductionURL,
		"test":       DefaultTestURL,
	})
	v.SetDefault("rndc.timeout_seconds", 60)
	v.SetDefault("rndc.max_retries", 3)
	v.SetDefault("rndc.backoff_ms", 500)
	v.SetDefault("rndc.backoff_max_ms", 10000)
	v.SetDefault("rndc.workers", 4)
	v.SetDefault("rndc.query_parallel", 4)

	v.SetDefault("poller.interval_ms", 2000)

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.api_key", "")
	v.SetDefault("client.timeout_seconds", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyDefaults fills zero values that survived unmarshalling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.QueueSize <= 0 {
		cfg.Server.QueueSize = 1000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Redis.QueueKey == "" {
		cfg.Redis.QueueKey = "rndc:batches:queue"
	}
	if cfg.RNDC.Environment == "" {
		cfg.RNDC.Environment = "test"
	}
	if len(cfg.RNDC.Environments) == 0 {
		cfg.RNDC.Environments = map[string]string{
			"production": DefaultProductionURL,
			"test":       DefaultTestURL,
		}
	}
	if cfg.RNDC.TimeoutSeconds <= 0 {
		cfg.RNDC.TimeoutSeconds = 60
	}
	if cfg.RNDC.Workers <= 0 {
		cfg.RNDC.Workers = 4
	}
	if cfg.RNDC.QueryParallel <= 0 {
		cfg.RNDC.QueryParallel = 4
	}
	if cfg.Poller.IntervalMs <= 0 {
		cfg.Poller.IntervalMs = 2000
	}
	if cfg.Client.TimeoutSeconds <= 0 {
		cfg.Client.TimeoutSeconds = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// validateConfig validates critical configuration fields.
func validateConfig(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'memory' or 'postgres', got %q", cfg.Storage.Driver)
	}

	if _, err := cfg.RNDC.WSURL(""); err != nil {
		return fmt.Errorf("rndc.environment: %w", err)
	}
	if cfg.RNDC.MaxRetries < 0 {
		return fmt.Errorf("rndc.max_retries must be >= 0")
	}
	return nil
}
