package redisq

import (
	"context"
	"errors"
	"fmt"
	"jobq/internal/config"
	"jobq/internal/domain"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Client struct {
	Cfg      config.Redis
	Rdb      *redis.Client
	Consumer string

	groups sync.Map // topic -> struct{}, consumer groups known to exist
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(cfg, c)
}

// NewWithClient wraps an existing go-redis client; the caller keeps
// ownership of its lifecycle.
func NewWithClient(cfg config.Redis, rdb *redis.Client) *Client {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "jobq"
	}
	if cfg.Group == "" {
		cfg.Group = "workers"
	}
	return &Client{Cfg: cfg, Rdb: rdb, Consumer: "consumer-" + uuid.NewString()}
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

func (c *Client) Close() error { return c.Rdb.Close() }

// Connect → used by API only
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

// Init → used by Worker, ensures stream + group exist for every topic
func (c *Client) Init(ctx context.Context, topics ...string) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	for _, t := range topics {
		if err := c.ensureGroup(ctx, t); err != nil {
			return err
		}
		log.Ctx(ctx).Info().
			Str("stream", c.streamKey(t)).
			Str("group", c.Cfg.Group).
			Msg("redis stream and consumer group ready")
	}
	return nil
}

func (c *Client) ensureGroup(ctx context.Context, topic string) error {
	if _, ok := c.groups.Load(topic); ok {
		return nil
	}
	err := c.Rdb.XGroupCreateMkStream(ctx, c.streamKey(topic), c.Cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return unavailable("create consumer group", err)
	}
	c.groups.Store(topic, struct{}{})
	return nil
}

// unavailable tags a redis failure so callers can tell infrastructure
// errors apart with errors.Is.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrBrokerUnavailable, err)
}
