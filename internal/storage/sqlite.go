package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatbridge/internal/accounts"
	"chatbridge/internal/jobs"
	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which also makes every
	// conditional UPDATE atomic with respect to the others.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// ---- jobs ----

const jobColumns = `id, owner_id, payload, scheduled_at, status, last_error, created_at, updated_at`

func (s *sqliteStore) CreateJob(ctx context.Context, job jobs.Job) error {
	payload, err := encodePayload(job.Payload)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		job.ID, job.OwnerID, payload, ms(job.ScheduledAt), string(job.Status),
		nullStr(job.LastError), ms(job.CreatedAt), ms(job.UpdatedAt),
	); err != nil {
		return err
	}
	for i, t := range job.Targets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_targets(id, job_id, position, platform, account_id, recipient, thread, status, last_error, sent_message_id, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, job.ID, i, string(t.Platform), t.AccountID, t.Address.Recipient, nullStr(t.Address.Thread),
			string(t.Status), nullStr(t.LastError), nullStr(t.SentMessageID), ms(t.UpdatedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanJob(sc interface{ Scan(...any) error }) (jobs.Job, error) {
	var (
		j                          jobs.Job
		payload, status            string
		lastErr                    sql.NullString
		scheduled, created, update int64
	)
	if err := sc.Scan(&j.ID, &j.OwnerID, &payload, &scheduled, &status, &lastErr, &created, &update); err != nil {
		return jobs.Job{}, err
	}
	p, err := decodePayload(payload)
	if err != nil {
		return jobs.Job{}, err
	}
	j.Payload = p
	j.Status = jobs.Status(status)
	j.LastError = lastErr.String
	j.ScheduledAt = fromMS(scheduled)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(update)
	return j, nil
}

func (s *sqliteStore) queryJobs(ctx context.Context, q querier, query string, args ...any) ([]jobs.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachTargets(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) attachTargets(ctx context.Context, q querier, js []jobs.Job) error {
	if len(js) == 0 {
		return nil
	}
	idx := make(map[string]int, len(js))
	args := make([]any, 0, len(js))
	for i, j := range js {
		idx[j.ID] = i
		args = append(args, j.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(js)), ",")
	rows, err := q.QueryContext(ctx,
		`SELECT id, job_id, platform, account_id, recipient, thread, status, last_error, sent_message_id, updated_at
		 FROM job_targets WHERE job_id IN (`+placeholders+`) ORDER BY job_id, position`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t                       jobs.Target
			platform, status        string
			thread, lastErr, sentID sql.NullString
			updated                 int64
		)
		if err := rows.Scan(&t.ID, &t.JobID, &platform, &t.AccountID, &t.Address.Recipient, &thread, &status, &lastErr, &sentID, &updated); err != nil {
			return err
		}
		t.Platform = transport.Platform(platform)
		t.Address.Thread = thread.String
		t.Status = jobs.TargetStatus(status)
		t.LastError = lastErr.String
		t.SentMessageID = sentID.String
		t.UpdatedAt = fromMS(updated)
		if i, ok := idx[t.JobID]; ok {
			js[i].Targets = append(js[i].Targets, t)
		}
	}
	return rows.Err()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	out, err := s.queryJobs(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if len(out) == 0 {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return out[0], nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, f jobs.ListFilter) ([]jobs.Job, error) {
	var where []string
	var args []any
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryJobs(ctx, s.db, q, args...)
}

func (s *sqliteStore) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryJobs(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC LIMIT ?`,
		string(jobs.StatusScheduled), ms(now), limit)
}

func (s *sqliteStore) exists(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// affected turns a zero-row conditional update into (false, nil) or ErrNotFound.
func (s *sqliteStore) affected(ctx context.Context, q querier, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	ok, err := s.exists(ctx, q, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, jobs.ErrNotFound
	}
	return false, nil
}

func (s *sqliteStore) ConditionalUpdateStatus(ctx context.Context, id string, from, to jobs.Status, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), ms(now), id, string(from))
	if err != nil {
		return false, err
	}
	return s.affected(ctx, s.db, res, id)
}

func (s *sqliteStore) UpdateTargetStatus(ctx context.Context, u jobs.TargetUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE job_targets SET status = ?, last_error = ?, sent_message_id = ?, updated_at = ?
		 WHERE id = ? AND job_id = ?`,
		string(u.Status), nullStr(u.LastError), nullStr(u.SentMessageID), ms(u.At), u.TargetID, u.JobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("target %s of job %s: %w", u.TargetID, u.JobID, jobs.ErrNotFound)
	}
	// Progress on a target keeps the claim fresh for stuck detection.
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, ms(u.At), u.JobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateJobAggregate(ctx context.Context, id string, status jobs.Status, lastError string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), nullStr(lastError), ms(now), id, string(jobs.StatusClaimed))
	if err != nil {
		return false, err
	}
	return s.affected(ctx, s.db, res, id)
}

func (s *sqliteStore) BulkReclaimStuck(ctx context.Context, olderThan, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(jobs.StatusScheduled), ms(now), string(jobs.StatusClaimed), ms(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) RetryFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		string(jobs.StatusScheduled), ms(now), id, string(jobs.StatusFailed))
	if err != nil {
		return false, err
	}
	ok, err := s.affected(ctx, tx, res, id)
	if !ok || err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE job_targets SET status = ?, last_error = NULL, sent_message_id = NULL, updated_at = ? WHERE job_id = ?`,
		string(jobs.TargetPending), ms(now), id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const finished = `status IN ('completed', 'canceled') AND updated_at < ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_targets WHERE job_id IN (SELECT id FROM jobs WHERE `+finished+`)`, ms(before)); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+finished, ms(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// ---- accounts ----

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (accounts.Account, error) {
	out, err := s.queryAccounts(ctx, `WHERE id = ?`, id)
	if err != nil {
		return accounts.Account{}, err
	}
	if len(out) == 0 {
		return accounts.Account{}, accounts.ErrNotFound
	}
	return out[0], nil
}

func (s *sqliteStore) ListActiveAccounts(ctx context.Context) ([]accounts.Account, error) {
	return s.queryAccounts(ctx, `WHERE active = 1 ORDER BY id`)
}

func (s *sqliteStore) queryAccounts(ctx context.Context, where string, args ...any) ([]accounts.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, platform, token, extra, active, created_at, updated_at FROM accounts `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []accounts.Account
	for rows.Next() {
		var (
			a                accounts.Account
			platform         string
			extra            sql.NullString
			active           int
			created, updated int64
		)
		if err := rows.Scan(&a.ID, &a.OwnerID, &platform, &a.Token, &extra, &active, &created, &updated); err != nil {
			return nil, err
		}
		a.Platform = transport.Platform(platform)
		a.Extra = decodeExtra(extra.String)
		a.Active = active != 0
		a.CreatedAt = fromMS(created)
		a.UpdatedAt = fromMS(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutAccount(ctx context.Context, a accounts.Account) error {
	now := time.Now()
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	active := 0
	if a.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, owner_id, platform, token, extra, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, platform = excluded.platform,
		   token = excluded.token, extra = excluded.extra, active = excluded.active, updated_at = excluded.updated_at`,
		a.ID, a.OwnerID, string(a.Platform), a.Token, nullStr(encodeExtra(a.Extra)), active, ms(created), ms(now))
	return err
}

func (s *sqliteStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET active = ?, updated_at = ? WHERE id = ?`, v, ms(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accounts.ErrNotFound
	}
	return nil
}
