// Package config loads the server and CLI configuration from YAML, with
// environment overrides layered on top. Secrets never live in the file;
// fields ending in _env name the environment variable that carries them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/xorca/xorca/pkg/store"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Lock      LockConfig      `yaml:"lock"`
	Publisher PublisherConfig `yaml:"publisher"`
	Router    RouterConfig    `yaml:"router"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Bolt     BoltConfig     `yaml:"bolt"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	Prefix      string `yaml:"prefix"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSNEnv string `yaml:"dsn_env"`
}

type LockConfig struct {
	TimeoutMs int    `yaml:"timeout_ms"`
	DelayMs   int    `yaml:"delay_ms"`
	Mode      string `yaml:"mode"`
}

type PublisherConfig struct {
	Backend string        `yaml:"backend"`
	PubSub  PubSubConfig  `yaml:"pubsub"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type PubSubConfig struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

type WebhookConfig struct {
	URL       string `yaml:"url"`
	SecretEnv string `yaml:"secret_env"`
	Workers   int    `yaml:"workers"`
}

type RouterConfig struct {
	Name                           string `yaml:"name"`
	ErrorOnNotFound                bool   `yaml:"error_on_not_found"`
	RaiseOnInvalidOrchestratorName bool   `yaml:"raise_on_invalid_orchestrator_name"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration a bare binary runs with: in-memory
// store, no publisher, JSON logs at info.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				PasswordEnv: "XORCA_REDIS_PASSWORD",
				Prefix:      "xorca",
			},
			Bolt: BoltConfig{
				Path: "xorca.db",
			},
			Postgres: PostgresConfig{
				DSNEnv: "XORCA_POSTGRES_DSN",
			},
		},
		Lock: LockConfig{
			TimeoutMs: 5000,
			DelayMs:   250,
			Mode:      string(store.LockReadWrite),
		},
		Publisher: PublisherConfig{
			Backend: "none",
			PubSub: PubSubConfig{
				Topic: "xorca-events",
			},
			Webhook: WebhookConfig{
				SecretEnv: "XORCA_WEBHOOK_SECRET",
				Workers:   4,
			},
		},
		Router: RouterConfig{
			Name: "summary",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects backends and modes the binary cannot honor.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "bolt", "postgres":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Publisher.Backend {
	case "none", "memory", "pubsub", "webhook":
	default:
		return fmt.Errorf("config: unknown publisher backend %q", c.Publisher.Backend)
	}
	if _, err := store.ParseLockMode(c.Lock.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Lock.TimeoutMs < 0 || c.Lock.DelayMs < 0 {
		return fmt.Errorf("config: lock timings must not be negative")
	}
	if c.Router.Name == "" {
		return fmt.Errorf("config: router name is required")
	}
	if c.Publisher.Backend == "webhook" && c.Publisher.Webhook.URL == "" {
		return fmt.Errorf("config: webhook publisher requires a url")
	}
	if c.Publisher.Backend == "pubsub" && c.Publisher.PubSub.Project == "" {
		return fmt.Errorf("config: pubsub publisher requires a project")
	}
	return nil
}

// LockTimeout returns the lock acquisition budget.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutMs) * time.Millisecond
}

// LockDelay returns the pause between acquisition attempts.
func (c *Config) LockDelay() time.Duration {
	return time.Duration(c.Lock.DelayMs) * time.Millisecond
}

// LockMode returns the parsed lock mode. Validate has already vetted it.
func (c *Config) LockMode() store.LockMode {
	mode, _ := store.ParseLockMode(c.Lock.Mode)
	return mode
}

// RedisPassword resolves the redis password from the configured variable.
func (c *Config) RedisPassword() string {
	return os.Getenv(c.Store.Redis.PasswordEnv)
}

// PostgresDSN resolves the postgres connection string from the configured
// variable.
func (c *Config) PostgresDSN() string {
	return os.Getenv(c.Store.Postgres.DSNEnv)
}

// WebhookSecret resolves the webhook signing secret from the configured
// variable. Empty means deliveries go unsigned.
func (c *Config) WebhookSecret() string {
	return os.Getenv(c.Publisher.Webhook.SecretEnv)
}
