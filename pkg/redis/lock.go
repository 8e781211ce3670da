package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when a lock is held by someone else
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing or extending a lock that expired or changed owner
	ErrLockNotHeld = errors.New("lock not held")
)

// Both scripts act only while the key still holds this owner's token.
var (
	compareAndDelete = goredis.NewScript(`
		if redis.call("get", KEYS[1]) ~= ARGV[1] then return 0 end
		return redis.call("del", KEYS[1])
	`)
	compareAndExpire = goredis.NewScript(`
		if redis.call("get", KEYS[1]) ~= ARGV[1] then return 0 end
		return redis.call("pexpire", KEYS[1], ARGV[2])
	`)
)

// Lock is a held batch lock.
type Lock struct {
	client *Client
	key    string
	token  string
}

// Locker hands out batch locks, e.g. one per (service, filter set) slice, so that two
// scheduled worker processes never ingest the same slice at once.
type Locker struct {
	client    *Client
	keyPrefix string
}

func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "fern:lock:"
	}
	return &Locker{client: client, keyPrefix: keyPrefix}
}

// Acquire takes the lock or fails immediately with ErrLockNotAcquired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{client: l.client, key: l.keyPrefix + key, token: uuid.New().String()}

	ok, err := l.client.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}

	l.client.logger.WithContext(ctx).WithField("lock", lock.key).Debug("Acquired lock")
	return lock, nil
}

// Release deletes the lock if it is still ours.
func (lock *Lock) Release(ctx context.Context) error {
	n, err := compareAndDelete.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the lock's TTL if it is still ours.
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := compareAndExpire.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// WithLock runs fn while holding key. The lock is extended every ttl/3 while fn runs; if it is
// lost, fn's context is cancelled. The lock is released when fn returns.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go l.keepAlive(fnCtx, lock, ttl, cancel, done)

	defer func() {
		close(done)
		cancel(nil)
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			l.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to release lock %s", key)
		}
	}()

	if err := fn(fnCtx); err != nil {
		if cause := context.Cause(fnCtx); errors.Is(cause, ErrLockNotHeld) {
			return cause
		}
		return err
	}
	return nil
}

func (l *Locker) keepAlive(ctx context.Context, lock *Lock, ttl time.Duration, cancel context.CancelCauseFunc, done <-chan struct{}) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Extend(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.client.logger.WithContext(ctx).WithError(err).Errorf("Lost lock %s", lock.key)
				cancel(fmt.Errorf("%w: %s", ErrLockNotHeld, lock.key))
				return
			}
		}
	}
}
