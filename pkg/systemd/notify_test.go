package systemd

import (
	"context"
	"testing"
	"time"

	"chatbridge/pkg/logx"
)

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if ok, err := Ready(); ok || err != nil {
		t.Fatalf("Ready() = %v, %v; want false, nil", ok, err)
	}
	if ok, err := Stopping(); ok || err != nil {
		t.Fatalf("Stopping() = %v, %v; want false, nil", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, logx.Nop(), nil) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watchdog: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("Watchdog blocked without WATCHDOG_USEC")
	}
}
