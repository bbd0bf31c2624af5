package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"paygate/internal/store/lock"
)

const keyPrefix = "paygate:lock:"

// release deletes the key only if we still own it.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a lock.Locker backed by SET NX PX. The TTL bounds how long a
// crashed holder can block a key.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewLocker creates a redis locker. wait caps how long Lock retries before
// giving up with lock.ErrNotAcquired.
func NewLocker(client *redis.Client, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Locker{client: client, ttl: ttl, wait: wait}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = l.wait

	acquire := func() error {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis setnx: %w", err))
		}
		if !ok {
			return lock.ErrNotAcquired
		}
		return nil
	}
	if err := backoff.Retry(acquire, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) || ctx.Err() != nil {
			return nil, errors.Join(lock.ErrNotAcquired, ctx.Err())
		}
		return nil, err
	}

	return func() {
		// the request context may already be done; release on a fresh one
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := release.Run(rctx, l.client, []string{k}, token).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("redis lock release failed")
		}
	}, nil
}

// Ping checks connectivity, used at start-up.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ lock.Locker = (*Locker)(nil)
