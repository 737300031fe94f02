// Package lock grants exclusive per-item ownership to one worker at a time.
// The lease is the status flag the concurrency model requires: a worker must
// hold it before moving an item to in-progress, so overlapping runs (or a
// second process) can never mutate the same item concurrently.
package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease manages item ownership keys in Redis with a TTL, so a crashed
// worker's claim expires on its own.
type Lease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New builds a lease manager. TTL bounds how long a dead worker can block
// an item.
func New(client *redis.Client, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Lease{client: client, prefix: "pipeline:lease:", ttl: ttl}
}

func (l *Lease) key(itemID string) string {
	return l.prefix + itemID
}

// Acquire claims an item for the given owner. Returns false when another
// owner currently holds the item.
func (l *Lease) Acquire(ctx context.Context, itemID, owner string) (bool, error) {
	return l.client.SetNX(ctx, l.key(itemID), owner, l.ttl).Result()
}

// Extend pushes the expiry forward for an owner still working on the item.
func (l *Lease) Extend(ctx context.Context, itemID, owner string) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{l.key(itemID)}, owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release drops the claim, but only if the owner still holds it. A lease
// that expired and was re-acquired by someone else is left untouched.
func (l *Lease) Release(ctx context.Context, itemID, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key(itemID)}, owner).Err()
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
