//go:build integration

package redis_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quota"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func newClient(t *testing.T) *redis.Client {
	client, err := redis.NewClient(testutil.StartRedis(t), testutil.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestUsageLog_ReserveHonoursLimit(t *testing.T) {
	client := newClient(t)
	log := redis.NewUsageLog(client, "", 2*time.Hour)
	ctx := context.Background()

	cfg := quota.Config{ServiceID: "dom-ria", Credentials: []string{"key-a", "key-b"}, Limit: 10}
	first, err := quota.NewTracker(cfg, log, testutil.Logger())
	require.NoError(t, err)
	second, err := quota.NewTracker(cfg, log, testutil.Logger())
	require.NoError(t, err)

	var granted, exhausted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		tracker := first
		if i%2 == 1 {
			tracker = second
		}
		wg.Add(1)
		go func(tr *quota.Tracker) {
			defer wg.Done()
			_, err := tr.Reserve(ctx, "https://developers.ria.com/dom/search?api_key=secret")
			if errors.Is(err, quota.ErrQuotaExhausted) {
				exhausted.Add(1)
				return
			}
			assert.NoError(t, err)
			granted.Add(1)
		}(tracker)
	}
	wg.Wait()

	assert.Equal(t, int64(20), granted.Load())
	assert.Equal(t, int64(4), exhausted.Load())

	count, err := log.Count(ctx, quota.HashCredential("key-b"), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
}

func TestUsageLog_WindowSlides(t *testing.T) {
	client := newClient(t)
	log := redis.NewUsageLog(client, "test:usage:", 2*time.Hour)
	ctx := context.Background()
	hash := quota.HashCredential("key-a")
	now := time.Now()

	old := models.APIUsage{ID: uuid.New().String(), URL: "https://x/a", CredentialHash: hash, UsedAt: now.Add(-90 * time.Minute)}
	require.NoError(t, log.Record(ctx, old))

	since := now.Add(-time.Hour)
	ok, err := log.Reserve(ctx, models.APIUsage{ID: uuid.New().String(), URL: "https://x/b", CredentialHash: hash, UsedAt: now}, 1, since)
	require.NoError(t, err)
	assert.True(t, ok, "the old use is outside the window")

	ok, err = log.Reserve(ctx, models.APIUsage{ID: uuid.New().String(), URL: "https://x/c", CredentialHash: hash, UsedAt: now}, 1, since)
	require.NoError(t, err)
	assert.False(t, ok)

	total, err := log.Count(ctx, hash, now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestLocker(t *testing.T) {
	client := newClient(t)
	locker := redis.NewLocker(client, "")
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "dom-ria:kyiv-flats", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "dom-ria:kyiv-flats", time.Minute)
	assert.True(t, errors.Is(err, redis.ErrLockNotAcquired))

	require.NoError(t, lock.Extend(ctx, 2*time.Minute))
	require.NoError(t, lock.Release(ctx))
	assert.True(t, errors.Is(lock.Release(ctx), redis.ErrLockNotHeld))

	ran := false
	err = locker.WithLock(ctx, "dom-ria:kyiv-flats", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// A slice that outlives its TTL keeps the lock.
	err = locker.WithLock(ctx, "dom-ria:lviv-flats", 300*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(700 * time.Millisecond)
		_, err := locker.Acquire(ctx, "dom-ria:lviv-flats", time.Minute)
		assert.True(t, errors.Is(err, redis.ErrLockNotAcquired))
		return nil
	})
	require.NoError(t, err)

	lock, err = locker.Acquire(ctx, "dom-ria:lviv-flats", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}
