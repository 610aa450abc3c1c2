package redisq

import (
	"context"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

var _ ports.Broker = (*Client)(nil)

const entryField = "entry"

func (c *Client) Enqueue(ctx context.Context, topic string, e domain.Entry) error {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.JobID, err)
	}
	if err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.streamKey(topic),
		Values: map[string]interface{}{entryField: b},
	}).Err(); err != nil {
		return unavailable("xadd", err)
	}
	return nil
}

func (c *Client) EnqueueAt(ctx context.Context, topic string, e domain.Entry, runAt time.Time) error {
	if !runAt.After(time.Now()) {
		return c.Enqueue(ctx, topic, e)
	}
	b, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.JobID, err)
	}
	score := float64(runAt.UnixMilli())
	if err := c.Rdb.ZAdd(ctx, c.delayedKey(topic), redis.Z{Score: score, Member: string(b)}).Err(); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

// Dequeue claims one entry through the consumer group and acks it right
// away: from here on the job record, not the stream, tracks the work.
// An entry that cannot be decoded is logged and dropped, reported as nothing
// to do.
func (c *Client) Dequeue(ctx context.Context, topic string, block time.Duration) (*domain.Entry, error) {
	if err := c.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}
	if block < time.Millisecond {
		// BLOCK 0 would wait forever
		block = time.Millisecond
	}

	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: c.Consumer,
		Streams:  []string{c.streamKey(topic), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("xreadgroup", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	pipe := c.Rdb.TxPipeline()
	pipe.XAck(ctx, c.streamKey(topic), c.Cfg.Group, msg.ID)
	pipe.XDel(ctx, c.streamKey(topic), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("xack", err)
	}

	var raw []byte
	switch v := msg.Values[entryField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		log.Ctx(ctx).Warn().Str("topic", topic).Str("msg_id", msg.ID).Msgf("entry field of type %T, dropped", v)
		return nil, nil
	}
	var e domain.Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		// already acked; the job, if any, comes back through the reaper's orphan sweep
		log.Ctx(ctx).Warn().Err(err).Str("topic", topic).Str("msg_id", msg.ID).Msg("undecodable entry, dropped")
		return nil, nil
	}
	return &e, nil
}

// Len reports ready and delayed entry counts for a topic.
func (c *Client) Len(ctx context.Context, topic string) (ready, delayed int64, err error) {
	pipe := c.Rdb.Pipeline()
	r := pipe.XLen(ctx, c.streamKey(topic))
	d := pipe.ZCard(ctx, c.delayedKey(topic))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, unavailable("len", err)
	}
	return r.Val(), d.Val(), nil
}
