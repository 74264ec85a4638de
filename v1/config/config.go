// Package config loads the settings consumed by the fleet components from a
// YAML document and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost          = "localhost"
	DefaultPort          = 6379
	DefaultPoolSize      = 10
	DefaultMaxAttempts   = 10
	DefaultBaseSleepTime = time.Second
	DefaultMaxSleepTime  = time.Minute
	DefaultOpTimeout     = 5 * time.Second
)

// Duration is a time.Duration that unmarshals from a Go duration string
// ("1s", "1m30s") or from a bare integer number of milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: duration must be a scalar, got %v", value.Tag)
	}
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseDuration parses s as a duration string, falling back to an integer
// number of milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Retry controls reconnection to the store.
type Retry struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	BaseSleepTime Duration `yaml:"base_sleep_time"`
	MaxSleepTime  Duration `yaml:"max_sleep_time"`
}

// Redis describes how to reach the shared store.
type Redis struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	PoolSize     int      `yaml:"pool_size"`
	PoolBlocking bool     `yaml:"pool_blocking"`
	OpTimeout    Duration `yaml:"op_timeout"`
	Retry        Retry    `yaml:"retry"`
}

// Metrics configures the Prometheus endpoint exposed by fleetctl.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Log configures the slog handler installed by fleetctl.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Redis   Redis   `yaml:"redis"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Redis: Redis{
			Host:      DefaultHost,
			Port:      DefaultPort,
			PoolSize:  DefaultPoolSize,
			OpTimeout: Duration(DefaultOpTimeout),
			Retry: Retry{
				MaxAttempts:   DefaultMaxAttempts,
				BaseSleepTime: Duration(DefaultBaseSleepTime),
				MaxSleepTime:  Duration(DefaultMaxSleepTime),
			},
		},
		Metrics: Metrics{Addr: ":9090"},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path, applies environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if cfg, err = Parse(data); err != nil {
				return Config{}, err
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides connection settings from FLEET_REDIS_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("FLEET_REDIS_HOST"); ok {
		c.Redis.Host = v
	}
	if v, ok := lookup("FLEET_REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"FLEET_REDIS_PORT", &c.Redis.Port},
		{"FLEET_REDIS_DB", &c.Redis.DB},
		{"FLEET_REDIS_POOL_SIZE", &c.Redis.PoolSize},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", e.name, err)
		}
		*e.dst = n
	}
	return nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	r := c.Redis
	switch {
	case r.Host == "":
		return errors.New("config: redis.host is required")
	case r.Port <= 0 || r.Port > 65535:
		return fmt.Errorf("config: redis.port %d out of range", r.Port)
	case r.PoolSize <= 0:
		return fmt.Errorf("config: redis.pool_size must be positive, got %d", r.PoolSize)
	case r.Retry.MaxAttempts < 0:
		return fmt.Errorf("config: redis.retry.max_attempts must not be negative")
	case r.Retry.MaxSleepTime < r.Retry.BaseSleepTime:
		return fmt.Errorf("config: redis.retry.max_sleep_time is below base_sleep_time")
	}
	return nil
}

// Addr returns host:port.
func (r Redis) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Options converts r into go-redis client options. Command level retries use
// the same backoff bounds as reconnects.
func (r Redis) Options() *redis.Options {
	return &redis.Options{
		Addr:            r.Addr(),
		Password:        r.Password,
		DB:              r.DB,
		MaxRetries:      r.Retry.MaxAttempts,
		MinRetryBackoff: r.Retry.BaseSleepTime.Std(),
		MaxRetryBackoff: r.Retry.MaxSleepTime.Std(),
		ReadTimeout:     r.OpTimeout.Std(),
		WriteTimeout:    r.OpTimeout.Std(),
	}
}
