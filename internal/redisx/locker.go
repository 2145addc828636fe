package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type lockClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Locker is a SET NX PX mutex shared by every process using the same redis.
type Locker struct {
	rdb      lockClient
	attempts int
}

// NewLocker tries each lock attempts times, 100ms apart, before giving up.
func NewLocker(rdb lockClient, attempts int) *Locker {
	if attempts <= 0 {
		attempts = 1
	}
	return &Locker{rdb: rdb, attempts: attempts}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	for i := 0; i < l.attempts; i++ {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return func(ctx context.Context) error {
				err := release.Run(ctx, l.rdb, []string{key}, token).Err()
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}, true, nil
		}
		if i == l.attempts-1 {
			break
		}
		select {
		case <-time.After(lockRetryDelay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return nil, false, nil
}
