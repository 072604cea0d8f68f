/*
Package redisstore provides the fast-store strategies for the matching engine.

PURPOSE:
  Two AmountStore implementations backed by Redis, plus the distributed lock
  factory used for donation-scoped locks:

    Counter  lock-free: one integer minor-unit counter per funding, mutated
             with single atomic INCRBY/DECRBY commands. The primary
             production strategy.
    Mutex    one decimal string per funding, every mutation for every funding
             serialized through a single process-wide SETNX mutex. Simplest
             to reason about, worst throughput; kept as the fallback and
             reference strategy.

KEYS:
  match:funding:{id}:available   integer minor units (Counter)
  match:funding:{id}:balance     decimal string (Mutex)
  match:mutex                    the global mutex (Mutex)
  match:lock:{name}              named locks (LockFactory)

FAILURE CLASSIFICATION:
  Connection loss and timeouts are Retryable; anything else Terminal. Mutex
  acquisition timeout is Retryable, mutex release failure Terminal.
*/
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/warp/match-engine/matching"
)

const keyPrefix = "match:"

// Connect opens a Redis client from a URL ("redis://host:6379/0") or a bare
// host:port address.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// classify splits Redis faults into Retryable (network trouble, timeouts)
// and Terminal (everything else).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr) {
		return matching.Retryable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// unlockScript deletes a lock key only if the caller still owns it, in one
// atomic server-side step.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
