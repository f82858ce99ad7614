// Package redis holds the engine state that is shared between instances:
// live work order status, router outcome windows, provider rate limits and
// the watchdog leader lock.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}
