package storage

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/accounts"
	"chatbridge/internal/jobs"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver selects "memory".
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxOpenConns bounds the postgres pool. SQLite always uses one writer.
	MaxOpenConns int
}

// Store is everything the service persists.
type Store interface {
	jobs.Store
	accounts.Store
	Ping(ctx context.Context) error
	Close() error
}
