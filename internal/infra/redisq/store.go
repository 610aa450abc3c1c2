package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ ports.Store = (*Client)(nil)

// Status indexes are sorted sets scored by created_at in milliseconds.

// KEYS: job hash, status index. ARGV: id, score, field/value pairs.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: job hash, old status index, new status index.
// ARGV: expected status, expected attempt_count, id, score, field/value pairs.
var swapScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'attempt_count')
if not cur[1] then
	return -1
end
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
return 1
`)

func (c *Client) Create(ctx context.Context, j domain.Job) error {
	fields, err := jobToFields(j)
	if err != nil {
		return err
	}
	args := append([]interface{}{j.ID, j.CreatedAt.UnixMilli()}, fields...)
	n, err := createScript.Run(ctx, c.Rdb, []string{c.jobKey(j.ID), c.statusKey(string(j.Status))}, args...).Int()
	if err != nil {
		return unavailable("create job", err)
	}
	if n == 0 {
		return fmt.Errorf("create %s: %w", j.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*domain.Job, error) {
	h, err := c.Rdb.HGetAll(ctx, c.jobKey(id)).Result()
	if err != nil {
		return nil, unavailable("get job", err)
	}
	if len(h) == 0 {
		return nil, domain.ErrNotFound
	}
	return fieldsToJob(h)
}

func (c *Client) Swap(ctx context.Context, expect domain.Expect, next domain.Job) error {
	fields, err := jobToFields(next)
	if err != nil {
		return err
	}
	args := append([]interface{}{string(expect.Status), strconv.Itoa(expect.AttemptCount), next.ID, next.CreatedAt.UnixMilli()}, fields...)
	keys := []string{c.jobKey(next.ID), c.statusKey(string(expect.Status)), c.statusKey(string(next.Status))}
	n, err := swapScript.Run(ctx, c.Rdb, keys, args...).Int()
	if err != nil {
		return unavailable("swap job", err)
	}
	switch n {
	case -1:
		return domain.ErrNotFound
	case 0:
		return domain.ErrConflict
	}
	return nil
}

const listPage = 256

// ListByStatus walks the status index oldest first, one page of hashes per
// round trip, and stops as soon as limit jobs are collected.
func (c *Client) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	key := c.statusKey(string(status))
	page := int64(listPage)
	if limit > 0 && int64(limit) < page {
		page = int64(limit)
	}

	var out []domain.Job
	seen := make(map[string]struct{})
	for start := int64(0); ; start += page {
		ids, err := c.Rdb.ZRange(ctx, key, start, start+page-1).Result()
		if err != nil {
			return nil, unavailable("list jobs", err)
		}
		if len(ids) == 0 {
			return out, nil
		}

		cmds := make([]*redis.MapStringStringCmd, len(ids))
		pipe := c.Rdb.Pipeline()
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, c.jobKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, unavailable("list jobs", err)
		}

		for _, cmd := range cmds {
			h := cmd.Val()
			if len(h) == 0 {
				continue
			}
			j, err := fieldsToJob(h)
			if err != nil {
				return nil, err
			}
			// the index may briefly lag a concurrent swap, and a swap between
			// pages can shift an id onto the next one
			if _, dup := seen[j.ID]; dup || j.Status != status {
				continue
			}
			seen[j.ID] = struct{}{}
			out = append(out, *j)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if int64(len(ids)) < page {
			return out, nil
		}
	}
}

func jobToFields(j domain.Job) ([]interface{}, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload %s: %w", j.ID, err)
	}
	f := []interface{}{
		"id", j.ID,
		"type", j.Type,
		"topic", j.Topic,
		"payload", string(payload),
		"status", string(j.Status),
		"attempt_count", strconv.Itoa(j.AttemptCount),
		"max_retries", strconv.Itoa(j.MaxRetries),
		"created_at", fmtTime(j.CreatedAt),
		"run_at", fmtTime(j.RunAt),
		"cancel_requested", strconv.FormatBool(j.CancelRequested),
	}
	if j.StartedAt != nil {
		f = append(f, "started_at", fmtTime(*j.StartedAt))
	}
	if j.CompletedAt != nil {
		f = append(f, "completed_at", fmtTime(*j.CompletedAt))
	}
	if j.Result != nil {
		r, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result %s: %w", j.ID, err)
		}
		f = append(f, "result", string(r))
	}
	if j.Error != nil {
		f = append(f, "error_kind", string(j.Error.Kind), "error_message", j.Error.Message)
	}
	if j.WorkerID != "" {
		f = append(f, "worker_id", j.WorkerID)
	}
	return f, nil
}

func fieldsToJob(h map[string]string) (*domain.Job, error) {
	j := &domain.Job{
		ID:       h["id"],
		Type:     h["type"],
		Topic:    h["topic"],
		Status:   domain.JobStatus(h["status"]),
		WorkerID: h["worker_id"],
	}
	j.AttemptCount, _ = strconv.Atoi(h["attempt_count"])
	j.MaxRetries, _ = strconv.Atoi(h["max_retries"])
	j.CancelRequested = h["cancel_requested"] == "true"
	j.CreatedAt = parseTime(h["created_at"])
	j.RunAt = parseTime(h["run_at"])
	if v, ok := h["started_at"]; ok {
		t := parseTime(v)
		j.StartedAt = &t
	}
	if v, ok := h["completed_at"]; ok {
		t := parseTime(v)
		j.CompletedAt = &t
	}
	if v := h["payload"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &j.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", j.ID, err)
		}
	}
	if v, ok := h["result"]; ok {
		if err := json.Unmarshal([]byte(v), &j.Result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", j.ID, err)
		}
	}
	if k, ok := h["error_kind"]; ok {
		j.Error = &domain.JobError{Kind: domain.ErrorKind(k), Message: h["error_message"]}
	}
	return j, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
