// internal/infra/lock/redis_locker.go
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefix     = "deal-expiration:lock:"
	retryInterval = 50 * time.Millisecond
	unlockTimeout = 2 * time.Second
)

// Deletes the key only while it still holds our token, so an expired lock
// taken over by another process is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDealLocker serializes updates of a deal across sweeper processes.
type RedisDealLocker struct {
	client   *redis.Client
	ttl      time.Duration
	retry    time.Duration
	logger   *logrus.Entry
	newToken func() string
}

func NewRedisDealLocker(client *redis.Client, ttl time.Duration, logger *logrus.Entry) *RedisDealLocker {
	return &RedisDealLocker{
		client:   client,
		ttl:      ttl,
		retry:    retryInterval,
		logger:   logger,
		newToken: uuid.NewString,
	}
}

// Lock blocks until the lock is taken or ctx is done.
func (l *RedisDealLocker) Lock(ctx context.Context, dealID string) (func(), error) {
	key := keyPrefix + dealID
	token := l.newToken()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock for deal %s: %w", dealID, err)
		}
		if ok {
			return func() { l.unlock(key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for lock on deal %s: %w", dealID, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisDealLocker) unlock(key, token string) {
	// Release must succeed even when the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	released, err := unlockScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		l.logger.WithError(err).WithField("lock_key", key).Warn("Failed to release deal lock")
		return
	}
	if released == 0 {
		l.logger.WithField("lock_key", key).Warn("Deal lock expired before release")
	}
}

// Ping reports whether the lock backend is reachable.
func (l *RedisDealLocker) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
