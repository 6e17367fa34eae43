package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const EnvPrefix = "CHATBRIDGE_"

// LoadDotEnv loads KEY=VALUE pairs from files into the process environment
// without overriding variables that are already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from CHATBRIDGE_* variables. lookup is usually
// os.LookupEnv. Millisecond keys are converted to duration strings.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s%s: invalid non-negative integer %q", EnvPrefix, key, v))
			return
		}
		*dst = n
	}
	millis := func(key string, dst *string) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s%s: invalid milliseconds %q", EnvPrefix, key, v))
			return
		}
		*dst = (time.Duration(n) * time.Millisecond).String()
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: invalid bool %q", EnvPrefix, key, v))
			return
		}
		*dst = b
	}

	millis("POLL_INTERVAL_MS", &cfg.Dispatch.PollInterval)
	num("BATCH_SIZE", &cfg.Dispatch.BatchSize)
	millis("STUCK_THRESHOLD_MS", &cfg.Dispatch.StuckThreshold)
	flag("DISPATCH_ENABLED", &cfg.Dispatch.Enabled)
	num("MAX_RECONNECT_ATTEMPTS", &cfg.Registry.MaxReconnectAttempts)
	millis("RECONNECT_DELAY_MS", &cfg.Registry.ReconnectDelay)
	millis("HEARTBEAT_INTERVAL_MS", &cfg.Registry.HeartbeatInterval)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("STORAGE_DSN", &cfg.Storage.DSN)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("OPS_ADDR", &cfg.Ops.Addr)
	str("OPS_TOKEN", &cfg.Ops.Token)
	flag("OPS_ENABLED", &cfg.Ops.Enabled)
	flag("TELEGRAM_ENABLED", &cfg.Telegram.Enabled)
	flag("DISCORD_ENABLED", &cfg.Discord.Enabled)

	return errors.Join(errs...)
}
