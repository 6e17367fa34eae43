package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatbridge/internal/accounts"
	"chatbridge/internal/jobs"
	"chatbridge/internal/jobs/jobstest"
	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bridge.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteJobStore(t *testing.T) {
	jobstest.Run(t, func(t *testing.T) jobs.Store { return openTestSQLite(t) })
}

func TestMemoryJobStore(t *testing.T) {
	jobstest.Run(t, func(t *testing.T) jobs.Store { return NewMemory() })
}

// Set CHATBRIDGE_TEST_POSTGRES_DSN to run the suite against a disposable database.
func TestPostgresJobStore(t *testing.T) {
	dsn := os.Getenv("CHATBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATBRIDGE_TEST_POSTGRES_DSN not set")
	}
	jobstest.Run(t, func(t *testing.T) jobs.Store {
		st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		pg := st.(*postgresStore)
		pg.db.Exec("TRUNCATE job_targets, jobs, accounts")
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestSQLiteAccounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestSQLite(t)

	err := st.PutAccount(ctx, accounts.Account{
		ID: "a1", OwnerID: "u1", Platform: transport.PlatformTelegram, Token: "tok",
		Extra: map[string]string{"api_url": "http://local"}, Active: true,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = st.PutAccount(ctx, accounts.Account{ID: "a2", OwnerID: "u1", Platform: transport.PlatformDiscord, Token: "tok2"})

	a, err := st.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Token != "tok" || a.Extra["api_url"] != "http://local" || !a.Active {
		t.Fatalf("account=%+v", a)
	}

	active, err := st.ListActiveAccounts(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("active=%v err=%v", active, err)
	}

	// Upsert keeps the row and updates fields.
	a.Token = "rotated"
	if err := st.PutAccount(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got, _ := st.GetAccount(ctx, "a1"); got.Token != "rotated" {
		t.Fatalf("token=%q", got.Token)
	}

	if err := st.SetAccountActive(ctx, "a2", true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if active, _ := st.ListActiveAccounts(ctx); len(active) != 2 {
		t.Fatalf("active=%d", len(active))
	}
	if _, err := st.GetAccount(ctx, "nope"); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if err := st.SetAccountActive(ctx, "nope", true); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bridge.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	job := jobstest.NewJob("persist", "o", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), 2)
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.GetJob(ctx, "persist")
	if err != nil || len(got.Targets) != 2 {
		t.Fatalf("job=%+v err=%v", got, err)
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("sqlite without path should fail")
	}
}
