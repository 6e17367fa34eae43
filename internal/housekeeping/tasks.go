package housekeeping

import (
	"context"
	"time"

	"chatbridge/internal/correlation"
	"chatbridge/internal/jobs"
	"chatbridge/internal/metrics"
	"chatbridge/pkg/logx"
)

const (
	JobCorrelationSweep = "correlation.sweep"
	JobRetentionPurge   = "jobs.retention"
)

// CorrelationSweep drops pending outgoing messages older than the store TTL.
func CorrelationSweep(store *correlation.Store, m *metrics.Metrics, log logx.Logger) JobFunc {
	return func(ctx context.Context) error {
		n := store.Sweep(time.Now())
		m.PendingExpired(n)
		if n > 0 {
			log.Debug("expired pending outgoing messages", logx.Int("count", n), logx.Int("left", store.Len()))
		}
		return nil
	}
}

// RetentionPurge deletes completed and canceled jobs older than keep.
func RetentionPurge(store jobs.Store, keep time.Duration, log logx.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := store.PurgeFinished(ctx, time.Now().Add(-keep))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("purged finished jobs", logx.Int("count", n), logx.Duration("retention", keep))
		}
		return nil
	}
}
