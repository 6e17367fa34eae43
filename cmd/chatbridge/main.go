package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbridge/internal/app"
	"chatbridge/internal/config"
	"chatbridge/pkg/logx"
	"chatbridge/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		envFile string
		stopMax time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json); missing file means defaults")
	flag.StringVar(&envFile, "env", ".env", "dotenv file loaded before CHATBRIDGE_* overrides")
	flag.DurationVar(&stopMax, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := a.Logger().With(logx.Component("main"))

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, c := context.WithTimeout(context.Background(), stopMax)
		_ = a.Stop(stopCtx, app.StopFatalError)
		c()
		os.Exit(1)
	}

	sd := a.Config().Systemd
	if sd.Notify {
		if _, err := systemd.Ready(); err != nil {
			log.Warn("sd_notify ready failed", logx.Err(err))
		}
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	if sd.Watchdog {
		go func() {
			if err := systemd.Watchdog(watchCtx, log, a.Ready); err != nil {
				log.Warn("systemd watchdog disabled", logx.Err(err))
			}
		}()
	}

	reason := app.StopUnknown
	select {
	case <-ctx.Done():
		reason = app.StopSignal
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopWatch()
	if sd.Notify {
		_, _ = systemd.Stopping()
	}

	stopCtx, c := context.WithTimeout(context.Background(), stopMax)
	defer c()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "exit:", err)
		os.Exit(1)
	}
}
