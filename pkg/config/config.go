package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds derived runtime values that other packages may query
// at runtime (populated during startup by main after merging env+file).
type RuntimeConfig struct {
	BackendKeys  map[string]struct{}
	FrontendKeys map[string]struct{}
	AdminKeys    map[string]struct{}
	TokenSecret  []byte
}

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime sets the canonical runtime config used by the running server.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

func copyKeys(src map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// GetBackendKeys returns a copy of configured backend keys.
func GetBackendKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeys(runtimeCfg.BackendKeys)
}

// GetFrontendKeys returns a copy of configured frontend keys.
func GetFrontendKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeys(runtimeCfg.FrontendKeys)
}

// GetAdminKeys returns a copy of configured admin keys.
func GetAdminKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeys(runtimeCfg.AdminKeys)
}

// GetTokenSecret returns the participant-token signing secret, or nil when
// token auth is not configured.
func GetTokenSecret() []byte {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil || len(runtimeCfg.TokenSecret) == 0 {
		return nil
	}
	out := make([]byte, len(runtimeCfg.TokenSecret))
	copy(out, runtimeCfg.TokenSecret)
	return out
}

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		// Engine selects the REST listener implementation: nethttp | fasthttp.
		Engine string `yaml:"engine"`
		TLS    struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`
	// Realtime is the websocket gateway listener. It always runs on net/http
	// (upgrades need hijacking), separate from the REST engine.
	Realtime struct {
		Address      string   `yaml:"address"`
		PingInterval Duration `yaml:"ping_interval"`
		WriteTimeout Duration `yaml:"write_timeout"`
		SendBuffer   int      `yaml:"send_buffer"`
	} `yaml:"realtime"`
	Storage struct {
		// Driver is pebble (default, embedded) or postgres.
		Driver string `yaml:"driver"`
		DBPath string `yaml:"db_path"`
		// Sync forces fsync on message writes (pebble driver).
		Sync     bool `yaml:"sync"`
		Postgres struct {
			DSN      string `yaml:"dsn"`
			MaxConns int    `yaml:"max_conns"`
		} `yaml:"postgres"`
	} `yaml:"storage"`
	Feed struct {
		// Driver is memory (single node) or redis (cross-node fanout).
		Driver string `yaml:"driver"`
		// Buffer is the per-subscriber event buffer; slow subscribers drop.
		Buffer int `yaml:"buffer"`
		Redis  struct {
			Addr          string `yaml:"addr"`
			Password      string `yaml:"password"`
			DB            int    `yaml:"db"`
			ChannelPrefix string `yaml:"channel_prefix"`
		} `yaml:"redis"`
	} `yaml:"feed"`
	Chat struct {
		// PageSize is the default message page for history and pagination.
		PageSize        int       `yaml:"page_size"`
		MaxContentBytes SizeBytes `yaml:"max_content_bytes"`
	} `yaml:"chat"`
	Security struct {
		CORS struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
		} `yaml:"cors"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		IPWhitelist []string `yaml:"ip_whitelist"`
		APIKeys     struct {
			Backend  []string `yaml:"backend"`
			Frontend []string `yaml:"frontend"`
			Admin    []string `yaml:"admin"`
		} `yaml:"api_keys"`
		Token struct {
			Secret string   `yaml:"secret"`
			TTL    Duration `yaml:"ttl"`
		} `yaml:"token"`
	} `yaml:"security"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// RetentionConfig holds configuration for the automatic purge runner.
type RetentionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Cron         string   `yaml:"cron"`
	MaxAge       Duration `yaml:"max_age"`
	BatchSize    int      `yaml:"batch_size"`
	BatchSleepMs int      `yaml:"batch_sleep_ms"`
	DryRun       bool     `yaml:"dry_run"`
	Paused       bool     `yaml:"paused"`
	// MinAge guards against configs that would purge everything.
	MinAge Duration `yaml:"min_age"`
}

// IngestConfig holds queueing and processing configuration.
type IngestConfig struct {
	// Async enqueues sends and applies them on worker goroutines; when
	// false, ops apply inline before the HTTP response (small deployments
	// and tests).
	Async     bool            `yaml:"async"`
	Processor ProcessorConfig `yaml:"processor"`
	Queue     QueueConfig     `yaml:"queue"`
}

// ProcessorConfig controls worker concurrency and batching.
type ProcessorConfig struct {
	Workers       int      `yaml:"workers"`
	MaxBatchMsgs  int      `yaml:"max_batch_msgs"`
	FlushInterval Duration `yaml:"flush_ms"`
}

// QueueConfig holds in-memory queue tunables.
type QueueConfig struct {
	Capacity             int       `yaml:"capacity"`
	DrainPollInterval    Duration  `yaml:"drain_poll_interval"`
	MaxPooledBufferBytes SizeBytes `yaml:"max_pooled_buffer_bytes"`
}

// Addr returns host:port for the REST server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// RealtimeAddr returns host:port for the websocket gateway.
func (c *Config) RealtimeAddr() string {
	if a := c.Realtime.Address; a != "" {
		return a
	}
	return "0.0.0.0:8091"
}

// PageSize returns the configured message page size, defaulting to 20.
func (c *Config) PageSize() int {
	if c.Chat.PageSize > 0 {
		return c.Chat.PageSize
	}
	return 20
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `FARMCHAT_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("FARMCHAT_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
