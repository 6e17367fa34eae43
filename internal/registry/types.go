// Package registry owns the live platform connections, one per account.
//
// Each attached account gets a supervised task that runs the heartbeat and
// the reconnect state machine. The task reports eviction to the registry over
// a channel; the registry is the only writer of its connection map.
package registry

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/transport"
)

var (
	ErrNoCredentials   = errors.New("account has no usable credentials")
	ErrUnknownPlatform = errors.New("no adapter for platform")
	ErrAdapterRejected = errors.New("adapter rejected credentials")
	ErrNotAttached     = errors.New("account not attached")
	ErrNotLive         = errors.New("connection not live")
	ErrBreakerOpen     = errors.New("send circuit open")
	ErrStopped         = errors.New("registry stopped")
)

// Notifier is the realtime fanout consumed by the registry.
type Notifier interface {
	Notify(ctx context.Context, ownerID, event string, payload any) error
}

type Config struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
	ProbeTimeout         time.Duration
	SendTimeout          time.Duration
	// SendRatePerSec limits sends per account. Zero disables the limiter.
	SendRatePerSec      float64
	SendBurst           int
	BreakerTripFailures uint32
	BreakerCooldown     time.Duration
	RestoreConcurrency  int
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.BreakerTripFailures == 0 {
		c.BreakerTripFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.RestoreConcurrency <= 0 {
		c.RestoreConcurrency = 4
	}
	return c
}

type State string

const (
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateDisconnected State = "disconnected"
	StateEvicted      State = "evicted"
	StateDetached     State = "detached"
)

// ConnectionInfo is a point-in-time view of one connection.
type ConnectionInfo struct {
	AccountID     string             `json:"account_id"`
	OwnerID       string             `json:"owner_id"`
	Platform      transport.Platform `json:"platform"`
	State         State              `json:"state"`
	Attempts      int                `json:"reconnect_attempts"`
	ConnectedAt   time.Time          `json:"connected_at"`
	LastHeartbeat time.Time          `json:"last_heartbeat,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

// StatusEvent is the connection.status notification payload.
type StatusEvent struct {
	AccountID string             `json:"account_id"`
	Platform  transport.Platform `json:"platform"`
	State     State              `json:"state"`
	Attempt   int                `json:"attempt,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// ConfirmedEvent is the message.confirmed notification payload.
type ConfirmedEvent struct {
	TempID    string            `json:"temp_id"`
	MessageID string            `json:"message_id"`
	AccountID string            `json:"account_id"`
	Target    transport.Address `json:"target"`
}

// MessageEvent is the message.new notification payload.
type MessageEvent struct {
	AccountID string            `json:"account_id"`
	MessageID string            `json:"message_id"`
	Target    transport.Address `json:"target"`
	Outgoing  bool              `json:"outgoing"`
	Text      string            `json:"text,omitempty"`
	At        time.Time         `json:"at"`
}

type RestoreReport struct {
	Total    int               `json:"total"`
	Attached int               `json:"attached"`
	Failed   map[string]string `json:"failed,omitempty"`
}
