package redisq

import (
	"context"
	"jobq/internal/ports"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.Scheduler = (*Promoter)(nil)

// Promoter moves delayed entries whose due time passed onto their topic
// streams.
type Promoter struct {
	C        *Client
	Topics   []string
	Interval time.Duration
	Batch    int64
}

func NewPromoter(c *Client, topics []string, interval time.Duration) *Promoter {
	return &Promoter{C: c, Topics: topics, Interval: interval, Batch: 128}
}

func (p *Promoter) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		for _, t := range p.Topics {
			if _, err := p.PromoteDue(ctx, t, time.Now()); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Ctx(ctx).Warn().Err(err).Str("topic", t).Msg("promote delayed entries")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PromoteDue moves every entry due at now and reports how many moved.
// ZREM decides which promoter owns an entry, so concurrent promoters never
// push the same one twice.
func (p *Promoter) PromoteDue(ctx context.Context, topic string, now time.Time) (int, error) {
	members, err := p.C.Rdb.ZRangeByScore(ctx, p.C.delayedKey(topic), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmtMillis(now),
		Offset: 0,
		Count:  p.Batch,
	}).Result()
	if err != nil {
		return 0, unavailable("zrangebyscore", err)
	}

	moved := 0
	for _, m := range members {
		removed, err := p.C.Rdb.ZRem(ctx, p.C.delayedKey(topic), m).Result()
		if err != nil {
			return moved, unavailable("zrem", err)
		}
		if removed == 0 {
			continue
		}
		if err := p.C.Rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: p.C.streamKey(topic),
			Values: map[string]interface{}{entryField: m},
		}).Err(); err != nil {
			// put it back so the next pass retries it
			_ = p.C.Rdb.ZAdd(ctx, p.C.delayedKey(topic), redis.Z{Score: float64(now.UnixMilli()), Member: m}).Err()
			return moved, unavailable("xadd", err)
		}
		moved++
	}
	return moved, nil
}

func fmtMillis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
