// Package lock provides a cluster-wide mutual exclusion lock on Redis.
//
// A lock is a key "lock:{name}" holding a random token, set with NX and a TTL
// so that a crashed holder cannot block other instances forever. Release and
// Extend only act when the stored token still matches the caller's.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// ErrNotAcquired is returned when the lock is held by someone else.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrNotHeld is returned by Release and Extend when the lock expired or was
// taken over by another holder.
var ErrNotHeld = errors.New("lock not held")

// KEYS[1] = lock key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS[1] = lock key, ARGV[1] = token, ARGV[2] = ttl in milliseconds
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Options controls how Acquire waits for a busy lock.
type Options struct {
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

// DefaultOptions holds a lock for 30s and does not retry.
var DefaultOptions = Options{TTL: 30 * time.Second, RetryDelay: 100 * time.Millisecond}

// Locker creates locks backed by one Redis client.
type Locker struct {
	rdb redis.Cmdable
}

// NewLocker creates a Locker.
func NewLocker(rdb redis.Cmdable) *Locker {
	return &Locker{rdb: rdb}
}

// Lock is a held lock.
type Lock struct {
	rdb   redis.Cmdable
	name  string
	key   string
	token string
}

// Name returns the lock name without the key prefix.
func (l *Lock) Name() string { return l.name }

// Acquire takes the lock, retrying up to opts.Retries times with
// opts.RetryDelay between attempts. ErrNotAcquired if it stays busy.
func (lk *Locker) Acquire(ctx context.Context, name string, opts Options) (*Lock, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions.TTL
	}
	for attempt := 0; ; attempt++ {
		l, err := lk.TryAcquire(ctx, name, opts.TTL)
		if err == nil || !errors.Is(err, ErrNotAcquired) || attempt >= opts.Retries {
			return l, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}
}

// TryAcquire makes a single attempt.
func (lk *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := lk.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	slog.Debug("lock: acquired", "name", name, "ttl", ttl)
	return &Lock{rdb: lk.rdb, name: name, key: key, token: token}, nil
}

// Release deletes the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	slog.Debug("lock: released", "name", l.name)
	return nil
}

// Extend resets the TTL if this holder still owns the lock.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extending lock %s: %w", l.name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// IsLocked reports whether anyone holds name.
func (lk *Locker) IsLocked(ctx context.Context, name string) (bool, error) {
	n, err := lk.rdb.Exists(ctx, keyPrefix+name).Result()
	if err != nil {
		return false, fmt.Errorf("checking lock %s: %w", name, err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of name, or 0 if it is not held.
func (lk *Locker) TTL(ctx context.Context, name string) (time.Duration, error) {
	d, err := lk.rdb.PTTL(ctx, keyPrefix+name).Result()
	if err != nil {
		return 0, fmt.Errorf("reading lock ttl %s: %w", name, err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// ForceRelease deletes name regardless of who holds it. Operators only.
func (lk *Locker) ForceRelease(ctx context.Context, name string) error {
	if err := lk.rdb.Del(ctx, keyPrefix+name).Err(); err != nil {
		return fmt.Errorf("force releasing lock %s: %w", name, err)
	}
	slog.Warn("lock: force released", "name", name)
	return nil
}

// WithLock runs fn while holding name and always releases afterwards.
func (lk *Locker) WithLock(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) error {
	l, err := lk.Acquire(ctx, name, opts)
	if err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled ctx still frees the lock.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			slog.Warn("lock: release failed", "name", name, "error", err)
		}
	}()
	return fn(ctx)
}
