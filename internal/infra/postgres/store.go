// Package postgres keeps job records in a Postgres table through pgx.
// Every transition is a conditional UPDATE on (id, status, attempt_count),
// so the row itself arbitrates which worker owns an attempt.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ ports.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	topic            TEXT NOT NULL,
	payload          JSONB,
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	run_at           TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	result           JSONB,
	error_kind       TEXT,
	error_message    TEXT,
	worker_id        TEXT,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);
`

const columns = `id, type, topic, payload, status, attempt_count, max_retries, created_at, run_at,
	started_at, completed_at, result, error_kind, error_message, worker_id, cancel_requested`

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and makes sure the jobs table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	s := New(pool)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, j domain.Job) error {
	r, err := toRow(j)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`, r.args()...)
	if err != nil {
		return fmt.Errorf("postgres insert %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s: %w", j.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", id, err)
	}
	return j, nil
}

func (s *Store) Swap(ctx context.Context, expect domain.Expect, next domain.Job) error {
	r, err := toRow(next)
	if err != nil {
		return err
	}
	args := append(r.args(), string(expect.Status), expect.AttemptCount)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			type = $2, topic = $3, payload = $4, status = $5, attempt_count = $6, max_retries = $7,
			created_at = $8, run_at = $9, started_at = $10, completed_at = $11, result = $12,
			error_kind = $13, error_message = $14, worker_id = $15, cancel_requested = $16
		WHERE id = $1 AND status = $17 AND attempt_count = $18`, args...)
	if err != nil {
		return fmt.Errorf("postgres update %s: %w", next.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres exists %s: %w", next.ID, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func (s *Store) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	q := `SELECT ` + columns + ` FROM jobs WHERE status = $1 ORDER BY created_at`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", status, err)
	}
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres scan: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type row struct {
	id, typ, topic  string
	payload         []byte
	status          string
	attempt, maxRet int
	createdAt       time.Time
	runAt           time.Time
	startedAt       *time.Time
	completedAt     *time.Time
	result          []byte
	errKind, errMsg *string
	workerID        *string
	cancel          bool
}

func (r row) args() []any {
	return []any{r.id, r.typ, r.topic, r.payload, r.status, r.attempt, r.maxRet, r.createdAt, r.runAt,
		r.startedAt, r.completedAt, r.result, r.errKind, r.errMsg, r.workerID, r.cancel}
}

func toRow(j domain.Job) (row, error) {
	r := row{
		id: j.ID, typ: j.Type, topic: j.Topic, status: string(j.Status),
		attempt: j.AttemptCount, maxRet: j.MaxRetries,
		createdAt: j.CreatedAt, runAt: j.RunAt,
		startedAt: j.StartedAt, completedAt: j.CompletedAt,
		cancel: j.CancelRequested,
	}
	if j.Payload != nil {
		b, err := json.Marshal(j.Payload)
		if err != nil {
			return r, fmt.Errorf("encode payload %s: %w", j.ID, err)
		}
		r.payload = b
	}
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return r, fmt.Errorf("encode result %s: %w", j.ID, err)
		}
		r.result = b
	}
	if j.Error != nil {
		kind, msg := string(j.Error.Kind), j.Error.Message
		r.errKind, r.errMsg = &kind, &msg
	}
	if j.WorkerID != "" {
		r.workerID = &j.WorkerID
	}
	return r, nil
}

func scanJob(sc pgx.Row) (*domain.Job, error) {
	var r row
	if err := sc.Scan(&r.id, &r.typ, &r.topic, &r.payload, &r.status, &r.attempt, &r.maxRet,
		&r.createdAt, &r.runAt, &r.startedAt, &r.completedAt, &r.result,
		&r.errKind, &r.errMsg, &r.workerID, &r.cancel); err != nil {
		return nil, err
	}
	j := &domain.Job{
		ID: r.id, Type: r.typ, Topic: r.topic, Status: domain.JobStatus(r.status),
		AttemptCount: r.attempt, MaxRetries: r.maxRet,
		CreatedAt: r.createdAt.UTC(), RunAt: r.runAt.UTC(),
		CancelRequested: r.cancel,
	}
	if r.startedAt != nil {
		t := r.startedAt.UTC()
		j.StartedAt = &t
	}
	if r.completedAt != nil {
		t := r.completedAt.UTC()
		j.CompletedAt = &t
	}
	if len(r.payload) > 0 {
		if err := json.Unmarshal(r.payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", r.id, err)
		}
	}
	if len(r.result) > 0 {
		if err := json.Unmarshal(r.result, &j.Result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", r.id, err)
		}
	}
	if r.errKind != nil {
		j.Error = &domain.JobError{Kind: domain.ErrorKind(*r.errKind)}
		if r.errMsg != nil {
			j.Error.Message = *r.errMsg
		}
	}
	if r.workerID != nil {
		j.WorkerID = *r.workerID
	}
	return j, nil
}
