package spotlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockPrefix = "lock:spot:"

// releaseLua deletes the lock only while it still holds our token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisConfig tunes the Redis lock.
type RedisConfig struct {
	// TTL bounds how long a crashed holder can block a spot.
	TTL time.Duration
	// Timeout bounds how long Lock waits for a busy spot.
	Timeout time.Duration
	Backoff time.Duration
}

// RedisLocker serializes admissions per spot across replicas by relying on
// Redis SET NX PX semantics.
type RedisLocker struct {
	client    redis.Cmdable
	keyPrefix string
	cfg       RedisConfig
	release   *redis.Script
}

// NewRedisLocker constructs the lock helper.
func NewRedisLocker(client redis.Cmdable, prefix string, cfg RedisConfig) *RedisLocker {
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	return &RedisLocker{client: client, keyPrefix: prefix, cfg: cfg, release: redis.NewScript(releaseLua)}
}

// Lock retries SET NX with exponential backoff until the lock is taken, the
// timeout elapses or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, spotID int64) (func(), error) {
	started := time.Now()
	key := r.keyPrefix + strconv.FormatInt(spotID, 10)
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	backoff := r.cfg.Backoff
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				lockWait.WithLabelValues("timeout").Observe(time.Since(started).Seconds())
				return nil, fmt.Errorf("%w: spot %d", ErrTimeout, spotID)
			}
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			lockWait.WithLabelValues("acquired").Observe(time.Since(started).Seconds())
			return func() {
				// release must survive the caller's context being cancelled
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = r.release.Run(releaseCtx, r.client, []string{key}, token).Err()
			}, nil
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lockWait.WithLabelValues("timeout").Observe(time.Since(started).Seconds())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: spot %d", ErrTimeout, spotID)
			}
			return nil, ctx.Err()
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}
