// Package sqlite keeps job records in an embedded SQLite file (pure Go
// driver), for single-host deployments without Redis or Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var _ ports.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	topic            TEXT NOT NULL,
	payload          TEXT,
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	run_at           TEXT NOT NULL,
	started_at       TEXT,
	completed_at     TEXT,
	result           TEXT,
	error_kind       TEXT,
	error_message    TEXT,
	worker_id        TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);
`

const columns = `id, type, topic, payload, status, attempt_count, max_retries, created_at, run_at,
	started_at, completed_at, result, error_kind, error_message, worker_id, cancel_requested`

type Store struct {
	db *sql.DB
}

// Open creates the database file (and its directory) when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve sqlite path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		path = abs
	}

	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; serialising here avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, j domain.Job) error {
	args, err := toArgs(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("sqlite insert %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("create %s: %w", j.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", id, err)
	}
	return j, nil
}

func (s *Store) Swap(ctx context.Context, expect domain.Expect, next domain.Job) error {
	args, err := toArgs(next)
	if err != nil {
		return err
	}
	// SET takes every column but id, WHERE takes id plus the guard
	args = append(args[1:], next.ID, string(expect.Status), expect.AttemptCount)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			type = ?, topic = ?, payload = ?, status = ?, attempt_count = ?, max_retries = ?,
			created_at = ?, run_at = ?, started_at = ?, completed_at = ?, result = ?,
			error_kind = ?, error_message = ?, worker_id = ?, cancel_requested = ?
		WHERE id = ? AND status = ? AND attempt_count = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite update %s: %w", next.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, next.ID).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite exists %s: %w", next.ID, err)
	}
	if exists == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func (s *Store) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	q := `SELECT ` + columns + ` FROM jobs WHERE status = ? ORDER BY created_at`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", status, err)
	}
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func toArgs(j domain.Job) ([]any, error) {
	var payload, result, errKind, errMsg, workerID, started, completed sql.NullString
	if j.Payload != nil {
		b, err := json.Marshal(j.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload %s: %w", j.ID, err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result %s: %w", j.ID, err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	if j.Error != nil {
		errKind = sql.NullString{String: string(j.Error.Kind), Valid: true}
		errMsg = sql.NullString{String: j.Error.Message, Valid: true}
	}
	if j.WorkerID != "" {
		workerID = sql.NullString{String: j.WorkerID, Valid: true}
	}
	if j.StartedAt != nil {
		started = sql.NullString{String: fmtTime(*j.StartedAt), Valid: true}
	}
	if j.CompletedAt != nil {
		completed = sql.NullString{String: fmtTime(*j.CompletedAt), Valid: true}
	}
	return []any{j.ID, j.Type, j.Topic, payload, string(j.Status), j.AttemptCount, j.MaxRetries,
		fmtTime(j.CreatedAt), fmtTime(j.RunAt), started, completed, result, errKind, errMsg, workerID,
		j.CancelRequested}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*domain.Job, error) {
	var (
		j                                domain.Job
		status, createdAt, runAt         string
		payload, result, errKind, errMsg sql.NullString
		workerID, startedAt, completedAt sql.NullString
		cancel                           bool
	)
	if err := sc.Scan(&j.ID, &j.Type, &j.Topic, &payload, &status, &j.AttemptCount, &j.MaxRetries,
		&createdAt, &runAt, &startedAt, &completedAt, &result, &errKind, &errMsg, &workerID, &cancel); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	j.CreatedAt = parseTime(createdAt)
	j.RunAt = parseTime(runAt)
	j.CancelRequested = cancel
	j.WorkerID = workerID.String
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		j.CompletedAt = &t
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &j.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", j.ID, err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", j.ID, err)
		}
	}
	if errKind.Valid {
		j.Error = &domain.JobError{Kind: domain.ErrorKind(errKind.String), Message: errMsg.String}
	}
	return &j, nil
}

// fixed-width so lexical order in ORDER BY matches time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
