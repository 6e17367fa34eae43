package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cases := []struct {
		name string
		file string
		body string
	}{
		{"yaml", "c.yaml", "dispatch:\n  enabled: true\n  poll_interval: 1s\n  batch_size: 7\n  stuck_threshold: 2m\n"},
		{"json", "c.json", `{"dispatch":{"enabled":true,"poll_interval":"1s","batch_size":7,"stuck_threshold":"2m"}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, dir, tc.file, tc.body))
			m.SetLookup(envMap(nil))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.Dispatch.BatchSize != 7 || cfg.Dispatch.PollInterval != "1s" {
				t.Fatalf("dispatch = %+v", cfg.Dispatch)
			}
			// Untouched sections keep defaults.
			if cfg.Registry.MaxReconnectAttempts != 5 || cfg.Registry.ReconnectDelay != "5s" {
				t.Fatalf("registry defaults lost: %+v", cfg.Registry)
			}
			if m.Get() != cfg {
				t.Fatalf("Get did not return committed config")
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, tc := range []struct{ file, body string }{
		{"bad.yaml", "dispatch:\n  pol_interval: 1s\n"},
		{"bad.json", `{"nope":1}`},
		{"trail.json", `{} {}`},
	} {
		m := NewManager(writeFile(t, dir, tc.file, tc.body))
		m.SetLookup(envMap(nil))
		if _, err := m.Parse(); err == nil {
			t.Fatalf("%s: expected error", tc.file)
		}
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	m.SetLookup(envMap(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Dispatch.BatchSize != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := ApplyEnv(cfg, envMap(map[string]string{
		"CHATBRIDGE_POLL_INTERVAL_MS":       "1500",
		"CHATBRIDGE_BATCH_SIZE":             "25",
		"CHATBRIDGE_STUCK_THRESHOLD_MS":     "60000",
		"CHATBRIDGE_MAX_RECONNECT_ATTEMPTS": "2",
		"CHATBRIDGE_RECONNECT_DELAY_MS":     "100",
		"CHATBRIDGE_HEARTBEAT_INTERVAL_MS":  "30000",
		"CHATBRIDGE_LOG_LEVEL":              " debug ",
		"CHATBRIDGE_OPS_ENABLED":            "true",
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	checks := map[string][2]string{
		"poll":      {cfg.Dispatch.PollInterval, "1.5s"},
		"stuck":     {cfg.Dispatch.StuckThreshold, "1m0s"},
		"delay":     {cfg.Registry.ReconnectDelay, "100ms"},
		"heartbeat": {cfg.Registry.HeartbeatInterval, "30s"},
		"level":     {cfg.Logging.Level, "debug"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", name, c[0], c[1])
		}
	}
	if cfg.Dispatch.BatchSize != 25 || cfg.Registry.MaxReconnectAttempts != 2 || !cfg.Ops.Enabled {
		t.Fatalf("numeric/bool overrides not applied: %+v %+v", cfg.Dispatch, cfg.Registry)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := ApplyEnv(cfg, envMap(map[string]string{
		"CHATBRIDGE_BATCH_SIZE":       "-1",
		"CHATBRIDGE_POLL_INTERVAL_MS": "soon",
		"CHATBRIDGE_OPS_ENABLED":      "maybe",
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, key := range []string{"BATCH_SIZE", "POLL_INTERVAL_MS", "OPS_ENABLED"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
	if cfg.Dispatch.BatchSize != 10 {
		t.Fatalf("invalid value applied: %d", cfg.Dispatch.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, false},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, false},
		{"postgres with dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "host=x" }, true},
		{"bad duration", func(c *Config) { c.Dispatch.PollInterval = "fast" }, false},
		{"negative duration", func(c *Config) { c.Registry.ReconnectDelay = "-1s" }, false},
		{"negative attempts", func(c *Config) { c.Registry.MaxReconnectAttempts = -1 }, false},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mut(cfg)
		err := Validate(cfg)
		if (err == nil) != tc.ok {
			t.Errorf("%s: err = %v, ok = %v", tc.name, err, tc.ok)
		}
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Ops.Token = "s3cret"
	b.Dispatch.BatchSize = 3

	changed, attrs := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "dispatch,ops" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if c, _ := SummarizeChange(b, b); len(c) != 0 {
		t.Fatalf("identical configs reported changes: %v", c)
	}
}

func TestWatchPublishesValidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", "dispatch:\n  enabled: true\n  batch_size: 1\n")
	m := NewManager(path)
	m.SetLookup(envMap(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "c.yaml", "dispatch:\n  enabled: true\n  batch_size: 2\n  poll_interval: bogus\n")
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Dispatch)
	default:
	}

	writeFile(t, dir, "c.yaml", "dispatch:\n  enabled: true\n  batch_size: 9\n")
	select {
	case cfg := <-ch:
		if cfg.Dispatch.BatchSize != 9 {
			t.Fatalf("batch = %d", cfg.Dispatch.BatchSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}
	if m.Get().Dispatch.BatchSize != 9 {
		t.Fatalf("Get not updated")
	}
	cancel()
	<-done
}
