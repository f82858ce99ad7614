package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lock only while this instance owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript deletes the lock only while this instance owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Leader is a SETNX lock with a TTL. The holder must call Acquire again
// before the TTL runs out to keep it.
type Leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeader creates a lock on key held as instanceID.
func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration) *Leader {
	return &Leader{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// Acquire takes the lock if it is free or renews it if this instance holds
// it. It reports whether this instance is the leader afterwards.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader SETNX: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew: %w", err)
	}
	return n == 1, nil
}

// Release gives the lock up if this instance holds it.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release: %w", err)
	}
	return nil
}

// InstanceID returns the lock owner identity of this instance.
func (l *Leader) InstanceID() string { return l.instanceID }
