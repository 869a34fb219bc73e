// Package distlock implements best-effort distributed locks over Redis
// SET NX with an atomic check-and-delete release. Locks guard work that
// is wasteful to duplicate across instances (oauth refresh, scheduled
// jobs, the task poller), not work that is unsafe to duplicate.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so
// a lock that expired and was re-acquired elsewhere is never released by
// the old holder.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// extendScript refreshes the TTL only for the current holder.
var extendScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// ErrNotHeld is returned when extending a lock that lapsed or was taken
// over by another holder.
var ErrNotHeld = errors.New("distlock: lock not held")

// Locker acquires named locks with a TTL.
type Locker struct {
	rdb   redis.UniversalClient
	token string
}

// New creates a Locker with a random per-instance token.
func New(rdb redis.UniversalClient) *Locker {
	buf := make([]byte, 16)
	rand.Read(buf)
	return &Locker{rdb: rdb, token: hex.EncodeToString(buf)}
}

// Acquire takes the lock if it is free. A false return with nil error
// means another holder has it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, key, l.token, ttl).Result()
}

// Release frees the lock if this instance still holds it.
func (l *Locker) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.rdb, []string{key}, l.token).Err()
}

// Extend pushes the expiry out for a lock this instance holds.
func (l *Locker) Extend(ctx context.Context, key string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn under the lock, skipping silently when it is held
// elsewhere. The lock is released when fn returns even if the caller's
// context is already done.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	ok, err := l.Acquire(ctx, key, ttl)
	if err != nil || !ok {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx), key)
	return fn(ctx)
}
