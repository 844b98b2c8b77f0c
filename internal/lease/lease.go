// Package lease provides a Redis-backed mutual exclusion lease so that only
// one instance runs the expiry sweep at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = errors.New("lease not held")

// Lease is held until Release or until its TTL runs out.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only if we still own the key.
var extendScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`)

// Redis hands out leases on keys.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Acquire returns nil and no error when another holder owns the key.
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := r.prefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{client: r.client, key: key, token: token}, nil
}

func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Mutex binds a lease name so callers only deal with acquire and release.
type Mutex struct {
	r    *Redis
	name string
}

func (r *Redis) Mutex(name string) *Mutex {
	return &Mutex{r: r, name: name}
}

// TryAcquire reports ok=false without error when the lease is held elsewhere.
// While held, the lease is extended every third of ttl until release is
// called.
func (m *Mutex) TryAcquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	l, err := m.r.Acquire(ctx, m.name, ttl)
	if err != nil || l == nil {
		return nil, false, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := l.Extend(context.WithoutCancel(ctx), ttl); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done
		return l.Release(ctx)
	}, true, nil
}
