package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"chatbridge/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, passwords) are only
// reported as "_set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS.Driver != nS.Driver || oS.Path != nS.Path || oS.BusyTimeout != nS.BusyTimeout ||
		oS.MaxOpenConns != nS.MaxOpenConns || hashString(oS.DSN) != hashString(nS.DSN) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	oR, nR := oldCfg.Redis, newCfg.Redis
	if oR.Addr != nR.Addr || oR.DB != nR.DB || oR.ChannelPrefix != nR.ChannelPrefix ||
		hashString(oR.Password) != hashString(nR.Password) {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.String("redis.addr", nR.Addr),
			logx.Bool("redis.password_set", nR.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.enabled", newCfg.Telegram.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Discord, newCfg.Discord) {
		changed = append(changed, "discord")
		attrs = append(attrs, logx.Bool("discord.enabled", newCfg.Discord.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Registry, newCfg.Registry) {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.Int("registry.max_reconnect_attempts", newCfg.Registry.MaxReconnectAttempts),
			logx.String("registry.reconnect_delay", newCfg.Registry.ReconnectDelay),
			logx.String("registry.heartbeat_interval", newCfg.Registry.HeartbeatInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.String("dispatch.poll_interval", newCfg.Dispatch.PollInterval),
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.String("dispatch.stuck_threshold", newCfg.Dispatch.StuckThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Correlation, newCfg.Correlation) {
		changed = append(changed, "correlation")
		attrs = append(attrs, logx.String("correlation.ttl", newCfg.Correlation.TTL))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", newCfg.Housekeeping.Enabled),
			logx.String("housekeeping.timezone", newCfg.Housekeeping.Timezone),
		)
	}

	oO, nO := opsComparable(oldCfg.Ops), opsComparable(newCfg.Ops)
	if !reflect.DeepEqual(oO, nO) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.jwt_set", newCfg.Ops.JWTSecret != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// opsComparable replaces secrets with their hashes.
func opsComparable(o OpsConfig) OpsConfig {
	o.Token = hashHex(o.Token)
	o.JWTSecret = hashHex(o.JWTSecret)
	return o
}

func hashString(s string) uint64 { return hashBytes([]byte(s)) }

func hashHex(s string) string {
	if s == "" {
		return ""
	}
	return strconv.FormatUint(hashString(s), 16)
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// LogConfig maps the logging section onto logx.
func (c LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		Format:  c.Format,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}
