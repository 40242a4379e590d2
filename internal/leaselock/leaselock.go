// Package leaselock provides a Redis-backed mutual-exclusion lease, used
// to ensure only one fedmgrd instance in an active/standby HA pair runs
// the federation Manager's worker loops at a time. Adapted from the
// fleet's SetNX-plus-Lua leader-lease pattern (renew/release scripts
// guarded by an owner token so a stale holder can never clobber the
// current one).
package leaselock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Lease is a single named mutual-exclusion lease.
type Lease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

func New(client redis.UniversalClient, key, owner string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, owner: owner, ttl: ttl}
}

// TryAcquire claims the lease if unheld, returning true if this owner now
// holds it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

// Renew extends the lease's TTL, only if still held by this owner.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release gives up the lease, only if still held by this owner.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Result()
	return err
}

// Run maintains the lease until ctx is cancelled: it polls for acquisition
// while unheld, then renews on every tick while held, calling onAcquired
// the moment the lease is first claimed and onLost if a renewal finds the
// lease no longer held by this owner (another instance took over after a
// missed renewal, e.g. a GC pause past the TTL).
func (l *Lease) Run(ctx context.Context, pollInterval time.Duration, onAcquired, onLost func()) {
	held := false
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if held {
				l.Release(context.Background())
			}
			return
		case <-ticker.C:
			if !held {
				ok, err := l.TryAcquire(ctx)
				if err == nil && ok {
					held = true
					if onAcquired != nil {
						onAcquired()
					}
				}
				continue
			}
			ok, err := l.Renew(ctx)
			if err != nil || !ok {
				held = false
				if onLost != nil {
					onLost()
				}
			}
		}
	}
}
