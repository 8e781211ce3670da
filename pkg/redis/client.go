// Package redis holds the Redis-backed pieces shared by worker processes: the quota usage log
// and per-slice batch locks.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	goredis "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// PoolSize 0 keeps the go-redis default of 10 per CPU.
	PoolSize    int
	DialTimeout time.Duration
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client is a connected Redis client shared by the usage log and the locker.
type Client struct {
	rdb    *goredis.Client
	logger ectologger.Logger
}

// NewClient connects and pings. A client that cannot ping is closed again.
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}

	logger.WithFields(map[string]any{"addr": cfg.Addr(), "db": cfg.DB}).Info("Connected to redis")
	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
