package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the global ~/.pigeon/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Remote RemoteConfig `toml:"remote"`
	Sync   SyncConfig   `toml:"sync"`
	Outbox OutboxConfig `toml:"outbox"`
	Netmon NetmonConfig `toml:"netmon"`
	Typing TypingConfig `toml:"typing"`
}

// RemoteConfig identifies the backend endpoint and who we are to it.
type RemoteConfig struct {
	URL         string `toml:"url"`
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// SyncConfig tunes the remote sync listener.
type SyncConfig struct {
	// PageSize is the most-recent-N window requested per chat on initial load.
	PageSize int `toml:"page_size"`
}

// OutboxConfig tunes outbound delivery retries.
type OutboxConfig struct {
	BaseDelayMS    int64   `toml:"base_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxDelayMS     int64   `toml:"max_delay_ms"`
	MaxAttempts    int     `toml:"max_attempts"`
	PollIntervalMS int64   `toml:"poll_interval_ms"`
}

// NetmonConfig tunes connectivity probing.
type NetmonConfig struct {
	ProbeAddr  string `toml:"probe_addr"`
	IntervalMS int64  `toml:"interval_ms"`
}

// TypingConfig tunes typing presence.
type TypingConfig struct {
	TTLMS      int64 `toml:"ttl_ms"`
	ThrottleMS int64 `toml:"throttle_ms"`
}

// Default returns a config with every tunable filled in.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Sync:           SyncConfig{PageSize: 50},
		Outbox: OutboxConfig{
			BaseDelayMS:    1000,
			Multiplier:     2,
			MaxDelayMS:     30000,
			MaxAttempts:    8,
			PollIntervalMS: 500,
		},
		Netmon: NetmonConfig{
			ProbeAddr:  "1.1.1.1:53",
			IntervalMS: 5000,
		},
		Typing: TypingConfig{
			TTLMS:      3000,
			ThrottleMS: 1000,
		},
	}
}

func (c *OutboxConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}
func (c *OutboxConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}
func (c *OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
func (c *NetmonConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}
func (c *TypingConfig) TTL() time.Duration { return time.Duration(c.TTLMS) * time.Millisecond }
func (c *TypingConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleMS) * time.Millisecond
}

// Load reads config from the given path, backfilling zero-valued tunables
// from Default() so a sparse file still yields a usable config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = def.DefaultProfile
	}
	if cfg.Sync.PageSize <= 0 {
		cfg.Sync.PageSize = def.Sync.PageSize
	}
	if cfg.Outbox.BaseDelayMS <= 0 {
		cfg.Outbox.BaseDelayMS = def.Outbox.BaseDelayMS
	}
	if cfg.Outbox.Multiplier <= 0 {
		cfg.Outbox.Multiplier = def.Outbox.Multiplier
	}
	if cfg.Outbox.MaxDelayMS <= 0 {
		cfg.Outbox.MaxDelayMS = def.Outbox.MaxDelayMS
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		cfg.Outbox.MaxAttempts = def.Outbox.MaxAttempts
	}
	if cfg.Outbox.PollIntervalMS <= 0 {
		cfg.Outbox.PollIntervalMS = def.Outbox.PollIntervalMS
	}
	if cfg.Netmon.ProbeAddr == "" {
		cfg.Netmon.ProbeAddr = def.Netmon.ProbeAddr
	}
	if cfg.Netmon.IntervalMS <= 0 {
		cfg.Netmon.IntervalMS = def.Netmon.IntervalMS
	}
	if cfg.Typing.TTLMS <= 0 {
		cfg.Typing.TTLMS = def.Typing.TTLMS
	}
	if cfg.Typing.ThrottleMS <= 0 {
		cfg.Typing.ThrottleMS = def.Typing.ThrottleMS
	}
}
