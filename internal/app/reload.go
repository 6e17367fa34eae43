package app

import (
	"context"
	"strings"
	"time"

	"chatbridge/internal/config"
	"chatbridge/pkg/logx"
)

// restartOnly lists sections that are read once in New.
var restartOnly = map[string]bool{
	"storage":     true,
	"redis":       true,
	"telegram":    true,
	"discord":     true,
	"registry":    true,
	"correlation": true,
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			sections := a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// applyConfig pushes the live-tunable sections of newCfg into running
// components and returns the changed section names.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) []string {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		return nil
	}
	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(newCfg.Logging.LogConfig())

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(dc)
		switch {
		case oldCfg.Dispatch.Enabled && !dc.Enabled:
			a.log.Info("dispatch disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.worker.Stop(stopCtx)
			cancel()
		case !oldCfg.Dispatch.Enabled && dc.Enabled:
			a.log.Info("dispatch enabled via config")
			a.worker.Start(ctx)
		}
	}

	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case prev && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if hc, err := mapHousekeepingConfig(newCfg); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	} else {
		a.house.Apply(hc)
		switch {
		case oldCfg.Housekeeping.Enabled && !hc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.house.Stop(stopCtx)
			cancel()
		case !oldCfg.Housekeeping.Enabled && hc.Enabled:
			a.house.Start(ctx)
		}
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return sections
}
