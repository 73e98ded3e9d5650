// Package lock provides a Redis-backed per-key mutex used to serialize
// training dispatches for a user across API replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dreamphoto/trainer/internal/errs"
)

const retryInterval = 100 * time.Millisecond

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

func NewLocker(client *redis.Client, prefix string, ttl, wait time.Duration) *Locker {
	return &Locker{client: client, prefix: prefix, ttl: ttl, wait: wait}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Acquire takes the lock for key, polling until the wait budget runs out.
// It returns errs.ErrBusy when another holder keeps it. The returned func
// releases the lock and is safe to call once the lock has expired.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	full := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", full, err)
		}
		if ok {
			return func() {
				// release on a fresh context so a cancelled request still unlocks
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				releaseScript.Run(rctx, l.client, []string{full}, token)
			}, nil
		}
		if !time.Now().Add(retryInterval).Before(deadline) {
			return nil, errs.ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// IsBusy reports whether err means the lock was held by someone else.
func IsBusy(err error) bool {
	return errors.Is(err, errs.ErrBusy)
}
