package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"chatbridge/internal/accounts"
	"chatbridge/internal/jobs"
	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

type jobRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	OwnerID     string    `gorm:"size:64;not null;index:idx_jobs_owner,priority:1"`
	Payload     string    `gorm:"type:text;not null"`
	ScheduledAt time.Time `gorm:"not null;index:idx_jobs_due,priority:2"`
	Status      string    `gorm:"size:16;not null;index:idx_jobs_due,priority:1"`
	LastError   *string   `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false;index:idx_jobs_owner,priority:2"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (jobRow) TableName() string { return "jobs" }

type targetRow struct {
	ID            string    `gorm:"primaryKey;size:64"`
	JobID         string    `gorm:"size:64;not null;index:idx_job_targets_job,priority:1"`
	Position      int       `gorm:"not null;index:idx_job_targets_job,priority:2"`
	Platform      string    `gorm:"size:32;not null"`
	AccountID     string    `gorm:"size:64;not null"`
	Recipient     string    `gorm:"size:128;not null"`
	Thread        *string   `gorm:"size:128"`
	Status        string    `gorm:"size:16;not null"`
	LastError     *string   `gorm:"type:text"`
	SentMessageID *string   `gorm:"size:128"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (targetRow) TableName() string { return "job_targets" }

type accountRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	OwnerID   string    `gorm:"size:64;not null;index"`
	Platform  string    `gorm:"size:32;not null"`
	Token     string    `gorm:"type:text;not null"`
	Extra     *string   `gorm:"type:text"`
	Active    bool      `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (accountRow) TableName() string { return "accounts" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&jobRow{}, &targetRow{}, &accountRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store opened")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func strPtr(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *postgresStore) CreateJob(ctx context.Context, job jobs.Job) error {
	payload, err := encodePayload(job.Payload)
	if err != nil {
		return err
	}
	row := jobRow{
		ID:          job.ID,
		OwnerID:     job.OwnerID,
		Payload:     payload,
		ScheduledAt: job.ScheduledAt,
		Status:      string(job.Status),
		LastError:   strPtr(job.LastError),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	targets := make([]targetRow, 0, len(job.Targets))
	for i, t := range job.Targets {
		targets = append(targets, targetRow{
			ID:            t.ID,
			JobID:         job.ID,
			Position:      i,
			Platform:      string(t.Platform),
			AccountID:     t.AccountID,
			Recipient:     t.Address.Recipient,
			Thread:        strPtr(t.Address.Thread),
			Status:        string(t.Status),
			LastError:     strPtr(t.LastError),
			SentMessageID: strPtr(t.SentMessageID),
			UpdatedAt:     t.UpdatedAt,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(targets) == 0 {
			return nil
		}
		return tx.Create(&targets).Error
	})
}

func (s *postgresStore) hydrate(ctx context.Context, rows []jobRow) ([]jobs.Job, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	out := make([]jobs.Job, 0, len(rows))
	idx := make(map[string]int, len(rows))
	for i, r := range rows {
		p, err := decodePayload(r.Payload)
		if err != nil {
			return nil, err
		}
		ids = append(ids, r.ID)
		idx[r.ID] = i
		out = append(out, jobs.Job{
			ID:          r.ID,
			OwnerID:     r.OwnerID,
			Payload:     p,
			ScheduledAt: r.ScheduledAt,
			Status:      jobs.Status(r.Status),
			LastError:   deref(r.LastError),
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
		})
	}

	var trs []targetRow
	if err := s.db.WithContext(ctx).Where("job_id IN ?", ids).Order("job_id, position").Find(&trs).Error; err != nil {
		return nil, err
	}
	for _, t := range trs {
		i, ok := idx[t.JobID]
		if !ok {
			continue
		}
		out[i].Targets = append(out[i].Targets, jobs.Target{
			ID:            t.ID,
			JobID:         t.JobID,
			Platform:      transport.Platform(t.Platform),
			AccountID:     t.AccountID,
			Address:       transport.Address{Recipient: t.Recipient, Thread: deref(t.Thread)},
			Status:        jobs.TargetStatus(t.Status),
			LastError:     deref(t.LastError),
			SentMessageID: deref(t.SentMessageID),
			UpdatedAt:     t.UpdatedAt,
		})
	}
	return out, nil
}

func (s *postgresStore) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, err
	}
	out, err := s.hydrate(ctx, []jobRow{row})
	if err != nil {
		return jobs.Job{}, err
	}
	return out[0], nil
}

func (s *postgresStore) ListJobs(ctx context.Context, f jobs.ListFilter) ([]jobs.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	q = q.Order("created_at DESC, id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.hydrate(ctx, rows)
}

func (s *postgresStore) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", string(jobs.StatusScheduled), now).
		Order("scheduled_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.hydrate(ctx, rows)
}

func (s *postgresStore) affected(tx *gorm.DB, res *gorm.DB, id string) (bool, error) {
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var n int64
	if err := tx.Model(&jobRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, jobs.ErrNotFound
	}
	return false, nil
}

func (s *postgresStore) ConditionalUpdateStatus(ctx context.Context, id string, from, to jobs.Status, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&jobRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": now})
	return s.affected(db, res, id)
}

func (s *postgresStore) UpdateTargetStatus(ctx context.Context, u jobs.TargetUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&targetRow{}).
			Where("id = ? AND job_id = ?", u.TargetID, u.JobID).
			Updates(map[string]any{
				"status":          string(u.Status),
				"last_error":      strPtr(u.LastError),
				"sent_message_id": strPtr(u.SentMessageID),
				"updated_at":      u.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("target %s of job %s: %w", u.TargetID, u.JobID, jobs.ErrNotFound)
		}
		return tx.Model(&jobRow{}).Where("id = ?", u.JobID).Update("updated_at", u.At).Error
	})
}

func (s *postgresStore) UpdateJobAggregate(ctx context.Context, id string, status jobs.Status, lastError string, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&jobRow{}).
		Where("id = ? AND status = ?", id, string(jobs.StatusClaimed)).
		Updates(map[string]any{"status": string(status), "last_error": strPtr(lastError), "updated_at": now})
	return s.affected(db, res, id)
}

func (s *postgresStore) BulkReclaimStuck(ctx context.Context, olderThan, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? AND updated_at < ?", string(jobs.StatusClaimed), olderThan).
		Updates(map[string]any{"status": string(jobs.StatusScheduled), "updated_at": now})
	return int(res.RowsAffected), res.Error
}

func (s *postgresStore) RetryFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	var ok bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status = ?", id, string(jobs.StatusFailed)).
			Updates(map[string]any{"status": string(jobs.StatusScheduled), "last_error": nil, "updated_at": now})
		var err error
		ok, err = s.affected(tx, res, id)
		if err != nil || !ok {
			return err
		}
		return tx.Model(&targetRow{}).Where("job_id = ?", id).
			Updates(map[string]any{
				"status":          string(jobs.TargetPending),
				"last_error":      nil,
				"sent_message_id": nil,
				"updated_at":      now,
			}).Error
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *postgresStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		finished := tx.Model(&jobRow{}).Select("id").
			Where("status IN ? AND updated_at < ?", []string{string(jobs.StatusCompleted), string(jobs.StatusCanceled)}, before)
		if err := tx.Where("job_id IN (?)", finished).Delete(&targetRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("status IN ? AND updated_at < ?", []string{string(jobs.StatusCompleted), string(jobs.StatusCanceled)}, before).
			Delete(&jobRow{})
		n = res.RowsAffected
		return res.Error
	})
	return int(n), err
}

func (s *postgresStore) GetAccount(ctx context.Context, id string) (accounts.Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return accounts.Account{}, accounts.ErrNotFound
	}
	if err != nil {
		return accounts.Account{}, err
	}
	return row.account(), nil
}

func (r accountRow) account() accounts.Account {
	return accounts.Account{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Platform:  transport.Platform(r.Platform),
		Token:     r.Token,
		Extra:     decodeExtra(deref(r.Extra)),
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *postgresStore) ListActiveAccounts(ctx context.Context) ([]accounts.Account, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]accounts.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.account())
	}
	return out, nil
}

func (s *postgresStore) PutAccount(ctx context.Context, a accounts.Account) error {
	now := time.Now()
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	row := accountRow{
		ID:        a.ID,
		OwnerID:   a.OwnerID,
		Platform:  string(a.Platform),
		Token:     a.Token,
		Extra:     strPtr(encodeExtra(a.Extra)),
		Active:    a.Active,
		CreatedAt: created,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "platform", "token", "extra", "active", "updated_at"}),
	}).Create(&row).Error
}

func (s *postgresStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	res := s.db.WithContext(ctx).Model(&accountRow{}).Where("id = ?", id).
		Updates(map[string]any{"active": active, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return accounts.ErrNotFound
	}
	return nil
}
