package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width UTC ISO-8601 form so that lexicographic
// ordering of the stored text matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the embedded implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and
// runs migrations. WAL mode and the busy timeout go through the DSN:
// the driver applies _pragma parameters to every pooled connection,
// whereas an Exec'd PRAGMA would reach only the one connection that
// happened to run it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			progress    REAL NOT NULL DEFAULT 0,
			stage       TEXT,
			metadata    TEXT NOT NULL DEFAULT '{}',
			result      TEXT,
			error       TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);
	`)
	return err
}

const sqliteJobColumns = `id, type, status, progress, stage, metadata, result, error, retry_count, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, t Type, metadata json.RawMessage) (*Job, error) {
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
		VALUES (?, ?, ?, 0, NULL, ?, NULL, '', 0, ?, ?)
	`,
		j.ID,
		j.Type,
		StatusPending,
		string(j.Metadata),
		j.CreatedAt.Format(timeLayout),
		j.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)

	j, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, u Update) error {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(timeLayout)}

	if u.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *u.Status)
	}
	if u.Progress != nil {
		set = append(set, "progress = ?")
		args = append(args, *u.Progress)
	}
	if u.Stage != nil {
		set = append(set, "stage = ?")
		args = append(args, nullableString(*u.Stage))
	}
	if u.Result != nil {
		set = append(set, "result = ?")
		args = append(args, string(u.Result))
	}
	if u.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *u.Error)
	}
	if u.RetryCount != nil {
		set = append(set, "retry_count = ?")
		args = append(args, *u.RetryCount)
	}
	args = append(args, id)

	// Status transitions never move a job out of a terminal state: a
	// cancel landing between a pipeline's last checkpoint and its
	// Complete call must stick.
	where := `WHERE id = ?`
	if u.Status != nil {
		where += ` AND status NOT IN (?, ?, ?)`
		args = append(args, StatusComplete, StatusFailed, StatusCancelled)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` `+where, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: rows affected: %w", id, err)
	}
	if n == 0 {
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
		// Terminal row: the recorded outcome wins, by contract.
		return nil
	}
	return nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	return s.Update(ctx, id, Update{})
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	status := StatusComplete
	progress := 100.0
	return s.Update(ctx, id, Update{Status: &status, Progress: &progress, Result: result})
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errMsg string) error {
	status := StatusFailed
	return s.Update(ctx, id, Update{Status: &status, Error: &errMsg})
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, StatusCancelled, time.Now().UTC().Format(timeLayout), id,
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

	// Zero rows means either terminal (a no-op by contract) or unknown.
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("cancel job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	where := "1=1"
	args := []any{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where += " AND type = ?"
		args = append(args, f.Type)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
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

// ClaimNextPending relies on a single UPDATE-from-subselect statement:
// SQLite serializes writers, so the oldest pending row is handed to
// exactly one caller even with concurrent claimers on the same file.
func (s *SQLiteStore) ClaimNextPending(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = ?
			ORDER BY created_at ASC, id ASC LIMIT 1
		)
		RETURNING `+sqliteJobColumns,
		StatusProcessing, time.Now().UTC().Format(timeLayout), StatusPending)

	j, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next pending: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) MarkStaleJobsFailed(ctx context.Context, timeout time.Duration, t Type) (int64, error) {
	cutoff := time.Now().UTC().Add(-timeout).Format(timeLayout)

	query := `UPDATE jobs SET status = ?, error = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`
	args := []any{StatusFailed, staleError(timeout), time.Now().UTC().Format(timeLayout), StatusProcessing, cutoff}
	if t != "" {
		query += " AND type = ?"
		args = append(args, t)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark stale jobs failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) QueuePosition(ctx context.Context, id string) (int, error) {
	var status, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, created_at FROM jobs WHERE id = ?`, id).Scan(&status, &createdAt)
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
		WHERE status = ? AND (created_at < ? OR (created_at = ? AND id < ?))
	`, StatusPending, createdAt, createdAt, id).Scan(&n)
	if err != nil {
		return -1, fmt.Errorf("queue position for job %s: %w", id, err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scanner) (*Job, error) {
	j := &Job{}
	var stage, result sql.NullString
	var metadata string
	var createdAt, updatedAt string

	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Progress, &stage, &metadata,
		&result, &j.Error, &j.RetryCount, &createdAt, &updatedAt,
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
	if j.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return j, nil
}

// nullableString returns nil for "" so empty stages store as NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
