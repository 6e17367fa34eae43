package storage

import (
	"context"
	"errors"
	"strings"

	"chatbridge/internal/accounts"
	"chatbridge/internal/jobs"
	"chatbridge/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

type (
	jobsMemory     = jobs.MemoryStore
	accountsMemory = accounts.MemoryStore
)

type memoryStore struct {
	*jobsMemory
	*accountsMemory
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return memoryStore{jobsMemory: jobs.NewMemoryStore(), accountsMemory: accounts.NewMemoryStore()}
}

func (memoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (memoryStore) Close() error                   { return nil }
