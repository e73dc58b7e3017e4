package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore is the cloud-SQL implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects using a lib/pq DSN and runs migrations.
// The connection is pinged so a bad DSN fails at boot, not first use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			progress    DOUBLE PRECISION NOT NULL DEFAULT 0,
			stage       TEXT,
			metadata    JSONB NOT NULL DEFAULT '{}',
			result      JSONB,
			error       TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);
	`)
	return err
}

const pgJobColumns = `id, type, status, progress, stage, metadata, result, error, retry_count, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, t Type, metadata json.RawMessage) (*Job, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid job type %q", t)
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	j := &Job{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    StatusPending,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	j.UpdatedAt = j.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, progress, stage, metadata, result, error, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NULL, $4, NULL, '', 0, $5, $6)
	`, j.ID, j.Type, StatusPending, string(j.Metadata), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)

	j, err := scanPGJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, u Update) error {
	set := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}
	n := 2

	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if u.Stage != nil {
		add("stage", nullableString(*u.Stage))
	}
	if u.Result != nil {
		add("result", string(u.Result))
	}
	if u.Error != nil {
		add("error", *u.Error)
	}
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}
	args = append(args, id)
	where := fmt.Sprintf("WHERE id = $%d", n)
	n++

	// Status transitions never move a job out of a terminal state; see
	// the SQLite backend for the rationale.
	if u.Status != nil {
		where += fmt.Sprintf(" AND status NOT IN ($%d, $%d, $%d)", n, n+1, n+2)
		args = append(args, StatusComplete, StatusFailed, StatusCancelled)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s %s`, strings.Join(set, ", "), where),
		args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: rows affected: %w", id, err)
	}
	if affected == 0 {
		if u.Status == nil {
			return fmt.Errorf("update job %s: %w", id, ErrNotFound)
		}
		j, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("update job %s: %w", id, ErrNotFound)
		}
		return nil
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string) error {
	return s.Update(ctx, id, Update{})
}

func (s *PostgresStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	status := StatusComplete
	progress := 100.0
	return s.Update(ctx, id, Update{Status: &status, Progress: &progress, Result: result})
}

func (s *PostgresStore) Fail(ctx context.Context, id string, errMsg string) error {
	status := StatusFailed
	return s.Update(ctx, id, Update{Status: &status, Error: &errMsg})
}

func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5, $6)
	`, StatusCancelled, time.Now().UTC(), id,
		StatusComplete, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel job %s: rows affected: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("cancel job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	where := "1=1"
	args := []any{}
	n := 1
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
		n++
	}
	if f.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", n)
		args = append(args, f.Type)
		n++
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, pgJobColumns, where, n), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNextPending locks the candidate row with FOR UPDATE SKIP LOCKED
// so concurrent workers never double-claim and never block each other:
// a locked candidate is simply skipped in favor of the next oldest one.
func (s *PostgresStore) ClaimNextPending(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs WHERE status = $3
			ORDER BY created_at ASC, id ASC LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns,
		StatusProcessing, time.Now().UTC(), StatusPending)

	j, err := scanPGJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next pending: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) MarkStaleJobsFailed(ctx context.Context, timeout time.Duration, t Type) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-timeout)

	query := `UPDATE jobs SET status = $1, error = $2, updated_at = $3
		WHERE status = $4 AND updated_at < $5`
	args := []any{StatusFailed, staleError(timeout), now, StatusProcessing, cutoff}
	if t != "" {
		query += " AND type = $6"
		args = append(args, t)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark stale jobs failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) QueuePosition(ctx context.Context, id string) (int, error) {
	var status string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT status, created_at FROM jobs WHERE id = $1`, id).Scan(&status, &createdAt)
	if err == sql.ErrNoRows {
		return -1, fmt.Errorf("queue position for job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return -1, fmt.Errorf("queue position for job %s: %w", id, err)
	}
	if Status(status) != StatusPending {
		return -1, nil
	}

	var n int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = $1 AND (created_at < $2 OR (created_at = $2 AND id < $3))
	`, StatusPending, createdAt, id).Scan(&n)
	if err != nil {
		return -1, fmt.Errorf("queue position for job %s: %w", id, err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPGJob(row scanner) (*Job, error) {
	j := &Job{}
	var stage, result sql.NullString
	var metadata string

	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Progress, &stage, &metadata,
		&result, &j.Error, &j.RetryCount, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if stage.Valid {
		j.Stage = stage.String
	}
	j.Metadata = json.RawMessage(metadata)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}
