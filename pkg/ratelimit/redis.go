// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-authgate.
//
// go-authgate is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript performs the fixed-window increment as a single atomic
// operation: increment the counter, arm the window TTL on first hit, and
// return the count together with the remaining window in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisCounterStore is a CounterStore backed by Redis, giving correct limits
// across multiple server instances.
type RedisCounterStore struct {
	client redis.UniversalClient
}

// NewRedisCounterStore creates a counter store on the given Redis client.
func NewRedisCounterStore(client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Incr atomically increments the counter for key within its fixed window.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	result, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit increment: %w", err)
	}
	if len(result) != 2 {
		return 0, 0, fmt.Errorf("rate limit increment: unexpected reply length %d", len(result))
	}

	count := result[0]
	remaining := time.Duration(result[1]) * time.Millisecond
	if remaining < 0 {
		// PTTL returns a negative value if the key vanished between the
		// INCR and the PTTL, or lost its expiry. Treat the window as over.
		remaining = 0
	}
	return count, remaining, nil
}
