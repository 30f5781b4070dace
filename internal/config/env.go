package config

import "os"

// applyEnv merges environment overrides on top of whatever the file set.
// Only variables that are present and non-empty take effect, so a file
// value survives an unset variable.
func (c *Config) applyEnv() {
	if v := os.Getenv("XORCA_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("XORCA_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("XORCA_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("XORCA_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("XORCA_REDIS_PREFIX"); v != "" {
		c.Store.Redis.Prefix = v
	}
	if v := os.Getenv("XORCA_BOLT_PATH"); v != "" {
		c.Store.Bolt.Path = v
	}
	if v := os.Getenv("XORCA_LOCK_MODE"); v != "" {
		c.Lock.Mode = v
	}
	if v := os.Getenv("XORCA_PUBLISHER_BACKEND"); v != "" {
		c.Publisher.Backend = v
	}
	if v := os.Getenv("XORCA_PUBSUB_PROJECT"); v != "" {
		c.Publisher.PubSub.Project = v
	}
	if v := os.Getenv("XORCA_PUBSUB_TOPIC"); v != "" {
		c.Publisher.PubSub.Topic = v
	}
	if v := os.Getenv("XORCA_WEBHOOK_URL"); v != "" {
		c.Publisher.Webhook.URL = v
	}
	if v := os.Getenv("XORCA_ROUTER_NAME"); v != "" {
		c.Router.Name = v
	}
	if v := os.Getenv("XORCA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}
