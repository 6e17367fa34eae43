// Package systemd reports service state to systemd via sd_notify.
// Every call is a no-op when the process is not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chatbridge/pkg/logx"
)

// Ready sends READY=1. It reports whether systemd received it.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping sends STOPPING=1.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings WATCHDOG=1 at half the configured WatchdogSec until ctx
// ends. healthy is consulted before each ping; a failing check skips the
// ping so systemd restarts the unit. It returns immediately when the
// watchdog is not enabled for this unit.
func Watchdog(ctx context.Context, log logx.Logger, healthy func(context.Context) error) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				cctx, cancel := context.WithTimeout(ctx, every)
				err := healthy(cctx)
				cancel()
				if err != nil {
					log.Warn("watchdog ping skipped", logx.Err(err))
					continue
				}
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
