package app

import (
	"strings"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/correlation"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/housekeeping"
	"chatbridge/internal/notifier"
	"chatbridge/internal/observability/ops"
	"chatbridge/internal/registry"
	"chatbridge/internal/storage"
	"chatbridge/internal/transport/discord"
	"chatbridge/internal/transport/telegram"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.TrimSpace(sc.Driver),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	rc := cfg.Registry
	var (
		out registry.Config
		err error
	)
	out.MaxReconnectAttempts = rc.MaxReconnectAttempts
	out.SendRatePerSec = rc.SendRatePerSec
	out.SendBurst = rc.SendBurst
	out.BreakerTripFailures = rc.BreakerTripFailures
	out.RestoreConcurrency = rc.RestoreConcurrency
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"registry.reconnect_delay", rc.ReconnectDelay, &out.ReconnectDelay},
		{"registry.heartbeat_interval", rc.HeartbeatInterval, &out.HeartbeatInterval},
		{"registry.connect_timeout", rc.ConnectTimeout, &out.ConnectTimeout},
		{"registry.probe_timeout", rc.ProbeTimeout, &out.ProbeTimeout},
		{"registry.send_timeout", rc.SendTimeout, &out.SendTimeout},
		{"registry.breaker_cooldown", rc.BreakerCooldown, &out.BreakerCooldown},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return registry.Config{}, err
		}
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.Config{
		Enabled:           dc.Enabled,
		BatchSize:         dc.BatchSize,
		Concurrency:       dc.Concurrency,
		TargetConcurrency: dc.TargetConcurrency,
	}
	var err error
	if out.PollInterval, err = config.ParseDurationField("dispatch.poll_interval", dc.PollInterval); err != nil {
		return dispatch.Config{}, err
	}
	if out.StuckThreshold, err = config.ParseDurationField("dispatch.stuck_threshold", dc.StuckThreshold); err != nil {
		return dispatch.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout); err != nil {
		return dispatch.Config{}, err
	}
	return out, nil
}

func mapCorrelationConfig(cfg *config.Config) (correlation.Config, error) {
	ttl, err := config.ParseDurationOrDefault("correlation.ttl", cfg.Correlation.TTL, 5*time.Minute)
	if err != nil {
		return correlation.Config{}, err
	}
	return correlation.Config{TTL: ttl, MaxPerKey: cfg.Correlation.MaxPerKey}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	out := notifier.Config{
		Enabled:     nc.Enabled,
		Workers:     nc.Workers,
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		RetryMax:    nc.RetryMax,
		HistorySize: nc.HistorySize,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", nc.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	hc := cfg.Housekeeping
	if tz := strings.TrimSpace(hc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return housekeeping.Config{}, err
		}
	}
	return housekeeping.Config{Enabled: hc.Enabled, Timezone: strings.TrimSpace(hc.Timezone)}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Token:                strings.TrimSpace(oc.Token),
		JWTSecret:            strings.TrimSpace(oc.JWTSecret),
		AllowInsecure:        oc.AllowInsecure,
		CORSOrigins:          oc.CORSOrigins,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("ops.read_timeout", oc.ReadTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("ops.idle_timeout", oc.IdleTimeout); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	out := telegram.Config{APIURL: strings.TrimSpace(tc.APIURL)}
	var err error
	if out.PollTimeout, err = config.ParseDurationField("telegram.poll_timeout", tc.PollTimeout); err != nil {
		return telegram.Config{}, err
	}
	if out.HTTPTimeout, err = config.ParseDurationField("telegram.http_timeout", tc.HTTPTimeout); err != nil {
		return telegram.Config{}, err
	}
	return out, nil
}

func mapDiscordConfig(cfg *config.Config) (discord.Config, error) {
	dc := cfg.Discord
	timeout, err := config.ParseDurationField("discord.http_timeout", dc.HTTPTimeout)
	if err != nil {
		return discord.Config{}, err
	}
	return discord.Config{APIURL: strings.TrimSpace(dc.APIURL), Timeout: timeout}, nil
}

// retentionTTL returns 0 when purging is disabled.
func retentionTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("housekeeping.finished_job_ttl", cfg.Housekeeping.FinishedJobTTL)
}

func restoreOnStart(cfg *config.Config) bool {
	return cfg.Registry.RestoreOnStart == nil || *cfg.Registry.RestoreOnStart
}
