// Package config defines the service configuration, loaded from an optional
// YAML or TOML file plus environment variable overrides, following the
// struct-tag + Validate() convention modules/auth uses for its own Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate when a required field is missing
// or out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// StoreDriver selects the Event Log / Node Store backing implementation.
type StoreDriver string

const (
	StoreDriverMemory StoreDriver = "memory"
	StoreDriverSQLite StoreDriver = "sqlite"
)

// BusDriver selects the Transient Bus implementation.
type BusDriver string

const (
	BusDriverMemory BusDriver = "memory"
	BusDriverNATS   BusDriver = "nats"
)

// Config is the root service configuration.
type Config struct {
	HTTP   HTTPConfig   `yaml:"http"`
	JWT    JWTConfig    `yaml:"jwt"`
	Store  StoreConfig  `yaml:"store"`
	Bus    BusConfig    `yaml:"bus"`
	Driver DriverConfig `yaml:"driver"`
	Listen ListenConfig `yaml:"listen"`
}

// HTTPConfig controls the HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR" default:":8080"`
}

// JWTConfig mirrors modules/auth's JWTConfig: the auth collaborator is out
// of scope for issuance, but the core still verifies bearer tokens signed
// with SECRET_KEY.
type JWTConfig struct {
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY" required:"true"`
	Issuer    string `yaml:"issuer" env:"JWT_ISSUER" default:"kernelci-api"`
	Algorithm string `yaml:"algorithm" env:"JWT_ALGORITHM" default:"HS256"`
}

// StoreConfig controls the Event Log / Node Store backend.
type StoreConfig struct {
	Driver             StoreDriver `yaml:"driver" env:"STORE_DRIVER" default:"memory"`
	URL                string      `yaml:"url" env:"STORE_URL"`
	EventHistoryTTL    int         `yaml:"event_history_ttl_seconds" env:"EVENT_HISTORY_TTL_SECONDS" default:"604800"`
	RetryAttempts      int         `yaml:"retry_attempts" default:"3"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay" default:"100ms"`
}

// EventHistoryTTLDuration returns EventHistoryTTL as a time.Duration.
func (s StoreConfig) EventHistoryTTLDuration() time.Duration {
	return time.Duration(s.EventHistoryTTL) * time.Second
}

// BusConfig controls the Transient Bus backend.
type BusConfig struct {
	Driver BusDriver `yaml:"driver" env:"BUS_DRIVER" default:"memory"`
	URL    string    `yaml:"url" env:"BUS_URL"`
}

// DriverConfig controls the State Machine Driver tick cadence.
type DriverConfig struct {
	TickSeconds int `yaml:"tick_seconds" env:"DRIVER_TICK_SECONDS" default:"60"`
}

// TickInterval returns TickSeconds as a time.Duration.
func (d DriverConfig) TickInterval() time.Duration {
	return time.Duration(d.TickSeconds) * time.Second
}

// ListenConfig controls the Delivery Engine's long-poll wait budget.
type ListenConfig struct {
	WaitBudgetSeconds int `yaml:"wait_budget_seconds" env:"LISTEN_WAIT_BUDGET_SECONDS" default:"30"`
}

// WaitBudget returns WaitBudgetSeconds as a time.Duration.
func (l ListenConfig) WaitBudget() time.Duration {
	return time.Duration(l.WaitBudgetSeconds) * time.Second
}

// Default returns a Config with every default applied; callers overlay a
// file and environment variables on top of it.
func Default() Config {
	return Config{
		HTTP:   HTTPConfig{Addr: ":8080"},
		JWT:    JWTConfig{Issuer: "kernelci-api", Algorithm: "HS256"},
		Store:  StoreConfig{Driver: StoreDriverMemory, EventHistoryTTL: 604800, RetryAttempts: 3, RetryBaseDelay: 100 * time.Millisecond},
		Bus:    BusConfig{Driver: BusDriverMemory},
		Driver: DriverConfig{TickSeconds: 60},
		Listen: ListenConfig{WaitBudgetSeconds: 30},
	}
}

// Load builds a Config starting from Default(), overlaying path (if
// non-empty; .yaml/.yml/.toml by extension) and then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		switch {
		case strings.HasSuffix(path, ".toml"):
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing toml config: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing yaml config: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides reads the well-known environment variables this service
// recognizes and casts them onto cfg using golobby/cast, the same coercion
// library the teacher's feeders use for env-to-struct assignment.
func applyEnvOverrides(cfg *Config) error {
	strOverride := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	intOverride := func(dst *int, key string) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := cast.ToInt(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	strOverride(&cfg.HTTP.Addr, "HTTP_ADDR")
	strOverride(&cfg.JWT.SecretKey, "SECRET_KEY")
	strOverride(&cfg.JWT.Issuer, "JWT_ISSUER")
	strOverride(&cfg.JWT.Algorithm, "JWT_ALGORITHM")

	if v, ok := os.LookupEnv("STORE_DRIVER"); ok {
		cfg.Store.Driver = StoreDriver(v)
	}
	strOverride(&cfg.Store.URL, "STORE_URL")
	if err := intOverride(&cfg.Store.EventHistoryTTL, "EVENT_HISTORY_TTL_SECONDS"); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("BUS_DRIVER"); ok {
		cfg.Bus.Driver = BusDriver(v)
	}
	strOverride(&cfg.Bus.URL, "BUS_URL")

	if err := intOverride(&cfg.Driver.TickSeconds, "DRIVER_TICK_SECONDS"); err != nil {
		return err
	}
	if err := intOverride(&cfg.Listen.WaitBudgetSeconds, "LISTEN_WAIT_BUDGET_SECONDS"); err != nil {
		return err
	}

	return nil
}

// Validate checks required fields and numeric ranges.
func (c Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("%w: SECRET_KEY is required", ErrInvalidConfig)
	}
	if c.Store.EventHistoryTTL <= 0 {
		return fmt.Errorf("%w: event history ttl must be positive", ErrInvalidConfig)
	}
	if c.Driver.TickSeconds <= 0 {
		return fmt.Errorf("%w: driver tick seconds must be positive", ErrInvalidConfig)
	}
	if c.Listen.WaitBudgetSeconds <= 0 {
		return fmt.Errorf("%w: listen wait budget must be positive", ErrInvalidConfig)
	}
	switch c.Store.Driver {
	case StoreDriverMemory, StoreDriverSQLite:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	switch c.Bus.Driver {
	case BusDriverMemory, BusDriverNATS:
	default:
		return fmt.Errorf("%w: unknown bus driver %q", ErrInvalidConfig, c.Bus.Driver)
	}
	return nil
}
