package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otterfi/otter-point/pkg/utils"
)

// DefaultStreamMaxLen caps each stream when REDIS_STREAM_MAXLEN is not set.
const DefaultStreamMaxLen = 10000

// Client is a thin go-redis wrapper for publishing indexer events to streams.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64 // 0 = unlimited
}

// NewClient connects using REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB and
// REDIS_STREAM_MAXLEN, and pings the server before returning.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	addr := fmt.Sprintf("%s:%s", host, port)

	return NewClientWithOptions(ctx, logger, &redis.Options{
		Addr:         addr,
		Password:     utils.Env("REDIS_PASSWORD", ""),
		DB:           utils.EnvInt("REDIS_DB", 0),
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen))
}

func NewClientWithOptions(ctx context.Context, logger *zap.Logger, opts *redis.Options, streamMaxLen int64) (*Client, error) {
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	logger.Info("redis connected",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int64("streamMaxLen", streamMaxLen))

	return &Client{client: rdb, logger: logger, streamMaxLen: streamMaxLen}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// XAdd appends values to stream and returns the entry id. When a length cap is configured the stream
// is trimmed approximately (MAXLEN ~). Errors are logged and reported as an empty id.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]any) string {
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: c.streamMaxLen,
		Approx: c.streamMaxLen > 0,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Warn("stream publish failed", zap.String("stream", stream), zap.Error(err))
		return ""
	}
	return id
}

// XRange returns up to count entries of stream between start and end ("-" and "+" for the ends).
func (c *Client) XRange(ctx context.Context, stream, start, end string, count int64) ([]redis.XMessage, error) {
	return c.client.XRangeN(ctx, stream, start, end, count).Result()
}
