package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the process configuration. Durations are Go duration strings
// (e.g. "500ms", "3s", "5m"); empty means the component default.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Redis        RedisConfig        `json:"redis,omitempty"`
	Telegram     TelegramConfig     `json:"telegram,omitempty"`
	Discord      DiscordConfig      `json:"discord,omitempty"`
	Registry     RegistryConfig     `json:"registry"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Correlation  CorrelationConfig  `json:"correlation,omitempty"`
	Notifier     NotifierConfig     `json:"notifier"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
	Ops          OpsConfig          `json:"ops,omitempty"`
	Systemd      SystemdConfig      `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" or "json"
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job and account store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/chatbridge.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // memory | sqlite | postgres
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// RedisConfig enables the Redis notification sink when Addr is set.
type RedisConfig struct {
	Addr          string `json:"addr,omitempty"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty"`
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	APIURL      string `json:"api_url,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type DiscordConfig struct {
	Enabled     bool   `json:"enabled"`
	APIURL      string `json:"api_url,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type RegistryConfig struct {
	MaxReconnectAttempts int     `json:"max_reconnect_attempts"`
	ReconnectDelay       string  `json:"reconnect_delay"`
	HeartbeatInterval    string  `json:"heartbeat_interval"`
	ConnectTimeout       string  `json:"connect_timeout,omitempty"`
	ProbeTimeout         string  `json:"probe_timeout,omitempty"`
	SendTimeout          string  `json:"send_timeout,omitempty"`
	SendRatePerSec       float64 `json:"send_rate_per_sec,omitempty"`
	SendBurst            int     `json:"send_burst,omitempty"`
	BreakerTripFailures  uint32  `json:"breaker_trip_failures,omitempty"`
	BreakerCooldown      string  `json:"breaker_cooldown,omitempty"`
	RestoreConcurrency   int     `json:"restore_concurrency,omitempty"`
	RestoreOnStart       *bool   `json:"restore_on_start,omitempty"`
}

type DispatchConfig struct {
	Enabled           bool   `json:"enabled"`
	PollInterval      string `json:"poll_interval"`
	BatchSize         int    `json:"batch_size"`
	StuckThreshold    string `json:"stuck_threshold"`
	Concurrency       int    `json:"concurrency,omitempty"`
	TargetConcurrency int    `json:"target_concurrency,omitempty"`
	SendTimeout       string `json:"send_timeout,omitempty"`
}

type CorrelationConfig struct {
	TTL        string `json:"ttl,omitempty"`
	MaxPerKey  int    `json:"max_per_key,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type HousekeepingConfig struct {
	Enabled        bool   `json:"enabled"`
	Timezone       string `json:"timezone,omitempty"`
	RetentionSpec  string `json:"retention_spec,omitempty"`
	FinishedJobTTL string `json:"finished_job_ttl,omitempty"` // empty disables purge
}

// OpsConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - A non-loopback bind needs a token, a jwt secret or allow_insecure.
type OpsConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"`
	Token         string   `json:"token,omitempty"`      // do not log
	JWTSecret     string   `json:"jwt_secret,omitempty"` // do not log
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	ReadTimeout   string   `json:"read_timeout,omitempty"`
	WriteTimeout  string   `json:"write_timeout,omitempty"`
	IdleTimeout   string   `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true, Format: "pretty"},
		Storage: StorageConfig{Driver: "memory"},
		Registry: RegistryConfig{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       "5s",
			HeartbeatInterval:    "60s",
		},
		Dispatch: DispatchConfig{
			Enabled:        true,
			PollInterval:   "3s",
			BatchSize:      10,
			StuckThreshold: "5m",
		},
		Correlation:  CorrelationConfig{TTL: "5m", MaxPerKey: 256, SweepEvery: "@every 30s"},
		Notifier:     NotifierConfig{Enabled: true},
		Housekeeping: HousekeepingConfig{Enabled: true, RetentionSpec: "@every 1h"},
		Ops:          OpsConfig{Addr: "127.0.0.1:9464"},
		Systemd:      SystemdConfig{Notify: true, Watchdog: true},
	}
}

// Validate checks values a component cannot default on its own.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if strings.EqualFold(cfg.Storage.Driver, "postgres") && strings.TrimSpace(cfg.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn: required for postgres"))
	}
	if cfg.Registry.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("registry.max_reconnect_attempts: must be >= 0"))
	}
	if cfg.Dispatch.BatchSize < 0 {
		errs = append(errs, errors.New("dispatch.batch_size: must be >= 0"))
	}

	durations := map[string]string{
		"registry.reconnect_delay":      cfg.Registry.ReconnectDelay,
		"registry.heartbeat_interval":   cfg.Registry.HeartbeatInterval,
		"registry.connect_timeout":      cfg.Registry.ConnectTimeout,
		"registry.probe_timeout":        cfg.Registry.ProbeTimeout,
		"registry.send_timeout":         cfg.Registry.SendTimeout,
		"registry.breaker_cooldown":     cfg.Registry.BreakerCooldown,
		"dispatch.poll_interval":        cfg.Dispatch.PollInterval,
		"dispatch.stuck_threshold":      cfg.Dispatch.StuckThreshold,
		"dispatch.send_timeout":         cfg.Dispatch.SendTimeout,
		"correlation.ttl":               cfg.Correlation.TTL,
		"notifier.retry_base":           cfg.Notifier.RetryBase,
		"notifier.retry_max_delay":      cfg.Notifier.RetryMaxDelay,
		"notifier.send_timeout":         cfg.Notifier.SendTimeout,
		"housekeeping.finished_job_ttl": cfg.Housekeeping.FinishedJobTTL,
		"storage.busy_timeout":          cfg.Storage.BusyTimeout,
		"telegram.poll_timeout":         cfg.Telegram.PollTimeout,
		"telegram.http_timeout":         cfg.Telegram.HTTPTimeout,
		"discord.http_timeout":          cfg.Discord.HTTPTimeout,
		"ops.read_timeout":              cfg.Ops.ReadTimeout,
		"ops.write_timeout":             cfg.Ops.WriteTimeout,
		"ops.idle_timeout":              cfg.Ops.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
