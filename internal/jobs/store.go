package jobs

import (
	"context"
	"time"
)

// Store persists jobs. Claims and transitions must be conditional so that
// only one caller observes affected==true for a given transition.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]Job, error)

	// FindDueJobs returns scheduled jobs with ScheduledAt <= now, oldest
	// schedule first, at most limit.
	FindDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// ConditionalUpdateStatus moves id from -> to only if the job is
	// currently in from.
	ConditionalUpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error)
	UpdateTargetStatus(ctx context.Context, u TargetUpdate) error
	// UpdateJobAggregate finishes a claimed job. It reports false when the
	// job is no longer claimed.
	UpdateJobAggregate(ctx context.Context, id string, status Status, lastError string, now time.Time) (bool, error)
	// BulkReclaimStuck returns claimed jobs last updated before olderThan to
	// scheduled.
	BulkReclaimStuck(ctx context.Context, olderThan, now time.Time) (int, error)
	// RetryFailed atomically moves a failed job to scheduled and resets all
	// its targets to pending.
	RetryFailed(ctx context.Context, id string, now time.Time) (bool, error)
	// PurgeFinished deletes completed and canceled jobs last updated before before.
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
}
