package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

// NewTarget describes one destination of a job being created.
type NewTarget struct {
	Platform  transport.Platform `json:"platform"`
	AccountID string             `json:"account_id"`
	Address   transport.Address  `json:"address"`
}

type CreateRequest struct {
	OwnerID     string            `json:"owner_id"`
	Payload     transport.Payload `json:"payload"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Targets     []NewTarget       `json:"targets"`
}

// Service is the owner-facing job API: create, inspect, cancel and retry.
type Service struct {
	store Store
	log   logx.Logger
	now   func() time.Time
	newID func() string
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewService(store Store, log logx.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		log:   log.With(logx.Component("jobs")),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (Job, error) {
	if err := validate(req); err != nil {
		return Job{}, err
	}
	now := s.now()
	at := req.ScheduledAt
	if at.IsZero() {
		at = now
	}
	job := Job{
		ID:          s.newID(),
		OwnerID:     req.OwnerID,
		Payload:     req.Payload,
		ScheduledAt: at,
		Status:      StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, nt := range req.Targets {
		job.Targets = append(job.Targets, Target{
			ID:        s.newID(),
			JobID:     job.ID,
			Platform:  nt.Platform,
			AccountID: nt.AccountID,
			Address:   nt.Address,
			Status:    TargetPending,
			UpdatedAt: now,
		})
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	s.log.Info("job scheduled",
		logx.String("job", job.ID),
		logx.String("owner", job.OwnerID),
		logx.Time("at", job.ScheduledAt),
		logx.Int("targets", len(job.Targets)),
	)
	return job, nil
}

func validate(req CreateRequest) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if err := req.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(req.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalid)
	}
	for i, t := range req.Targets {
		if !t.Platform.Valid() {
			return fmt.Errorf("%w: target %d: platform is required", ErrInvalid, i)
		}
		if strings.TrimSpace(t.AccountID) == "" {
			return fmt.Errorf("%w: target %d: account is required", ErrInvalid, i)
		}
		if err := t.Address.Validate(); err != nil {
			return fmt.Errorf("%w: target %d: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

// Get returns ownerID's job. Jobs of other owners are reported as not found.
func (s *Service) Get(ctx context.Context, ownerID, id string) (Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if j.OwnerID != ownerID {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *Service) List(ctx context.Context, ownerID string, status Status, limit int) ([]Job, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	return s.store.ListJobs(ctx, ListFilter{OwnerID: ownerID, Status: status, Limit: limit})
}

// Cancel succeeds only while the job is still scheduled.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) (Job, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return Job{}, err
	}
	ok, err := s.store.ConditionalUpdateStatus(ctx, id, StatusScheduled, StatusCanceled, s.now())
	if err != nil {
		return Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		return Job{}, fmt.Errorf("cancel: %w", ErrInvalidTransition)
	}
	s.log.Info("job canceled", logx.String("job", id), logx.String("owner", ownerID))
	return s.store.GetJob(ctx, id)
}

// Retry reschedules a failed job and resets every target to pending.
func (s *Service) Retry(ctx context.Context, ownerID, id string) (Job, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return Job{}, err
	}
	ok, err := s.store.RetryFailed(ctx, id, s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("retry job: %w", err)
	}
	if !ok {
		return Job{}, fmt.Errorf("retry: %w", ErrInvalidTransition)
	}
	s.log.Info("job rescheduled", logx.String("job", id), logx.String("owner", ownerID))
	return s.store.GetJob(ctx, id)
}
