package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// reserveScript trims entries older than the retention, then adds the usage only while the
// credential is under its limit. Returns 1 when the usage was recorded.
var reserveScript = goredis.NewScript(`
	local key = KEYS[1]
	local used_at = tonumber(ARGV[1])
	local since = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local ttl_ms = tonumber(ARGV[4])
	local member = ARGV[5]
	local trim_before = tonumber(ARGV[6])

	redis.call("zremrangebyscore", key, "-inf", "(" .. trim_before)

	local current = redis.call("zcount", key, since, "+inf")
	if current >= limit then
		return 0
	end

	redis.call("zadd", key, used_at, member)
	redis.call("pexpire", key, ttl_ms)
	return 1
`)

// UsageLog keeps the api usage of each credential in a sorted set scored by use time.
// Entries are trimmed on every reservation and the key expires once idle for the retention.
// Request urls are kept in the member so the log can be inspected.
type UsageLog struct {
	client    *Client
	keyPrefix string
	retention time.Duration
}

// NewUsageLog creates a usage log. retention must cover the longest quota window in use.
func NewUsageLog(client *Client, keyPrefix string, retention time.Duration) *UsageLog {
	if keyPrefix == "" {
		keyPrefix = "fern:usage:"
	}
	return &UsageLog{
		client:    client,
		keyPrefix: keyPrefix,
		retention: retention,
	}
}

func (u *UsageLog) key(credentialHash string) string {
	return u.keyPrefix + credentialHash
}

func member(usage models.APIUsage) string {
	return usage.ID + "|" + usage.URL
}

func (u *UsageLog) Count(ctx context.Context, credentialHash string, since time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "redis.UsageLog.Count")
	defer span.End()

	count, err := u.client.rdb.ZCount(ctx, u.key(credentialHash), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		u.client.logger.WithContext(ctx).WithError(err).Error("Failed to count API usage")
		return 0, fmt.Errorf("failed to count api usage: %w", err)
	}
	return count, nil
}

func (u *UsageLog) Record(ctx context.Context, usage models.APIUsage) error {
	ctx, span := tracing.StartSpan(ctx, "redis.UsageLog.Record")
	defer span.End()

	key := u.key(usage.CredentialHash)
	pipe := u.client.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(usage.UsedAt.UnixMilli()), Member: member(usage)})
	pipe.PExpire(ctx, key, u.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		u.client.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"url": usage.URL}).Error("Failed to record API usage")
		return fmt.Errorf("failed to record api usage: %w", err)
	}
	return nil
}

func (u *UsageLog) Reserve(ctx context.Context, usage models.APIUsage, limit int64, since time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "redis.UsageLog.Reserve")
	defer span.End()

	result, err := reserveScript.Run(ctx, u.client.rdb, []string{u.key(usage.CredentialHash)},
		usage.UsedAt.UnixMilli(),
		since.UnixMilli(),
		limit,
		u.retention.Milliseconds(),
		member(usage),
		usage.UsedAt.Add(-u.retention).UnixMilli(),
	).Int64()
	if err != nil {
		u.client.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"url": usage.URL}).Error("Failed to reserve API usage")
		return false, fmt.Errorf("failed to reserve api usage: %w", err)
	}
	return result == 1, nil
}
