// Package accounts stores the platform accounts that own connections.
package accounts

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/transport"
)

var ErrNotFound = errors.New("account not found")

// Account is a platform login owned by a user. Token holds the decrypted
// credential as handed over by the credential service.
type Account struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"owner_id"`
	Platform  transport.Platform `json:"platform"`
	Token     string             `json:"-"`
	Extra     map[string]string  `json:"extra,omitempty"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (a Account) Credentials() transport.Credentials {
	return transport.Credentials{
		AccountID: a.ID,
		Platform:  a.Platform,
		Token:     a.Token,
		Extra:     a.Extra,
	}
}

type Store interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	PutAccount(ctx context.Context, a Account) error
	SetAccountActive(ctx context.Context, id string, active bool) error
}
