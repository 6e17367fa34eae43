package notifier

import (
	"context"
	"time"
)

// Event names.
const (
	EventJobUpdated       = "job.updated"
	EventMessageConfirmed = "message.confirmed"
	EventMessageNew       = "message.new"
	EventConnectionStatus = "connection.status"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

// Notification is one user-scoped event.
type Notification struct {
	OwnerID string    `json:"owner"`
	Event   string    `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Sink delivers notifications to one realtime channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	OwnerID string    `json:"owner"`
	Event   string    `json:"event"`
	Sink    string    `json:"sink"`
	Error   string    `json:"error,omitempty"`
}

// LifecycleEvent is published on the event bus for notifier bookkeeping.
type LifecycleEvent struct {
	OwnerID string    `json:"owner"`
	Event   string    `json:"event"`
	Sink    string    `json:"sink,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
