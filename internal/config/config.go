package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the application configuration shared by the server and rndcctl.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Redis   RedisConfig   `mapstructure:"redis"`
	RNDC    RNDCConfig    `mapstructure:"rndc"`
	Poller  PollerConfig  `mapstructure:"poller"`
	Client  ClientConfig  `mapstructure:"client"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string `mapstructure:"port"`
	APIKey         string `mapstructure:"api_key"`
	AllowedBaseDir string `mapstructure:"allowed_base_dir"`
	QueueSize      int    `mapstructure:"queue_size"`
}

// StorageConfig selects the batch store. Driver is "memory" or "postgres".
type StorageConfig struct {
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
}

// RedisConfig enables the shared processing queue when Address is set.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	QueueKey string `mapstructure:"queue_key"`
}

// RNDCConfig holds registry web service settings.
type RNDCConfig struct {
	Username       string            `mapstructure:"username"`
	Password       string            `mapstructure:"password"`
	Environment    string            `mapstructure:"environment"`
	Environments   map[string]string `mapstructure:"environments"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxRetries     int               `mapstructure:"max_retries"`
	BackoffMs      int               `mapstructure:"backoff_ms"`
	BackoffMaxMs   int               `mapstructure:"backoff_max_ms"`
	Workers        int               `mapstructure:"workers"`
	QueryParallel  int               `mapstructure:"query_parallel"`
}

// PollerConfig holds reconciliation poller settings.
type PollerConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

// ClientConfig holds settings used by rndcctl to reach the server.
type ClientConfig struct {
	ServerURL      string `mapstructure:"server_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WSURL returns the web service URL of the named environment.
// An empty name selects the configured default environment.
func (c RNDCConfig) WSURL(name string) (string, error) {
	if name == "" {
		name = c.Environment
	}
	url, ok := c.Environments[strings.ToLower(name)]
	if !ok || url == "" {
		return "", fmt.Errorf("unknown rndc environment: %q", name)
	}
	return url, nil
}

// KnownWSURL reports whether url belongs to one of the configured environments.
func (c RNDCConfig) KnownWSURL(url string) bool {
	for _, u := range c.Environments {
		if u == url {
			return true
		}
	}
	return false
}

// Timeout returns the per-request timeout for the registry service.
func (c RNDCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Interval returns the poll interval.
func (p PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}
