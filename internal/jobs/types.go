// Package jobs models scheduled multi-target messages and their lifecycle.
package jobs

import (
	"errors"
	"time"

	"chatbridge/internal/transport"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusClaimed, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether the worker is done with the job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalid           = errors.New("invalid job")
)

// Job is one scheduled message fanned out to several targets.
type Job struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	Payload     transport.Payload `json:"payload"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Status      Status            `json:"status"`
	// LastError is empty when the job has no error.
	LastError string    `json:"last_error,omitempty"`
	Targets   []Target  `json:"targets"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Target is one destination of a job.
type Target struct {
	ID            string             `json:"id"`
	JobID         string             `json:"job_id"`
	Platform      transport.Platform `json:"platform"`
	AccountID     string             `json:"account_id"`
	Address       transport.Address  `json:"address"`
	Status        TargetStatus       `json:"status"`
	LastError     string             `json:"last_error,omitempty"`
	SentMessageID string             `json:"sent_message_id,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	cp := j
	cp.Targets = append([]Target(nil), j.Targets...)
	if j.Payload.Media != nil {
		m := *j.Payload.Media
		cp.Payload.Media = &m
	}
	return cp
}

// TargetUpdate records the outcome of one target.
type TargetUpdate struct {
	JobID         string
	TargetID      string
	Status        TargetStatus
	LastError     string
	SentMessageID string
	At            time.Time
}

type ListFilter struct {
	OwnerID string
	Status  Status
	Limit   int
}
