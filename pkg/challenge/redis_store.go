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

package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// putScript stores the challenge under both its user key and value key,
// removing the value key of any prior challenge for the same (user, purpose)
// so a replaced challenge cannot still be consumed by value.
var putScript = redis.NewScript(`
local prior = redis.call("GET", KEYS[1])
if prior then
	local ch = cjson.decode(prior)
	redis.call("DEL", ARGV[3] .. ch.value)
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
return 1
`)

// takeByUserScript atomically removes the challenge for a user key together
// with its value key, returning the stored record.
var takeByUserScript = redis.NewScript(`
local data = redis.call("GET", KEYS[1])
if not data then
	return false
end
redis.call("DEL", KEYS[1])
local ch = cjson.decode(data)
redis.call("DEL", ARGV[1] .. ch.value)
return data
`)

// takeByValueScript atomically removes the challenge for a value key together
// with its user key, if the challenge is user-bound.
var takeByValueScript = redis.NewScript(`
local data = redis.call("GET", KEYS[1])
if not data then
	return false
end
redis.call("DEL", KEYS[1])
local ch = cjson.decode(data)
if ch.user_id and ch.user_id ~= "" then
	redis.call("DEL", ARGV[1] .. ch.user_id)
end
return data
`)

// RedisStore is a Store backed by Redis, giving atomic single-use consumption
// across multiple server instances. Each challenge lives under a value key
// and, when user-bound, a user key; both carry the challenge expiry as their
// TTL, so expired challenges vanish without a sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a challenge store on the given Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "authgate:challenge",
	}
}

func (s *RedisStore) userKey(purpose Purpose, userID string) string {
	return s.userPrefix(purpose) + userID
}

func (s *RedisStore) valueKey(purpose Purpose, value string) string {
	return s.valuePrefix(purpose) + value
}

func (s *RedisStore) userPrefix(purpose Purpose) string {
	return s.prefix + ":user:" + string(purpose) + ":"
}

func (s *RedisStore) valuePrefix(purpose Purpose) string {
	return s.prefix + ":value:" + string(purpose) + ":"
}

// Put stores a challenge, replacing any live challenge for the same
// (user, purpose) when the challenge carries a user ID.
func (s *RedisStore) Put(ctx context.Context, ch *Challenge) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("challenge: marshal: %w", err)
	}
	ttl := time.Until(ch.ExpiresAt).Milliseconds()
	if ttl <= 0 {
		return ErrChallengeExpired
	}

	if ch.UserID == "" {
		err := s.client.Set(ctx, s.valueKey(ch.Purpose, ch.Value), data,
			time.Duration(ttl)*time.Millisecond).Err()
		if err != nil {
			return fmt.Errorf("challenge: put: %w", err)
		}
		return nil
	}

	keys := []string{s.userKey(ch.Purpose, ch.UserID), s.valueKey(ch.Purpose, ch.Value)}
	err = putScript.Run(ctx, s.client, keys, data, ttl, s.valuePrefix(ch.Purpose)).Err()
	if err != nil {
		return fmt.Errorf("challenge: put: %w", err)
	}
	return nil
}

// TakeByUser atomically removes and returns the live challenge for
// (user, purpose).
func (s *RedisStore) TakeByUser(ctx context.Context, userID string, purpose Purpose) (*Challenge, error) {
	keys := []string{s.userKey(purpose, userID)}
	data, err := takeByUserScript.Run(ctx, s.client, keys, s.valuePrefix(purpose)).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeExpired
		}
		return nil, fmt.Errorf("challenge: take by user: %w", err)
	}
	return unmarshalChallenge(data)
}

// TakeByValue atomically removes and returns the live challenge with the
// given value.
func (s *RedisStore) TakeByValue(ctx context.Context, purpose Purpose, value string) (*Challenge, error) {
	keys := []string{s.valueKey(purpose, value)}
	data, err := takeByValueScript.Run(ctx, s.client, keys, s.userPrefix(purpose)).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeExpired
		}
		return nil, fmt.Errorf("challenge: take by value: %w", err)
	}
	return unmarshalChallenge(data)
}

// DeleteExpired is a no-op for Redis. Key TTLs enforce expiry, so there is
// nothing for the sweep to remove.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func unmarshalChallenge(data string) (*Challenge, error) {
	var ch Challenge
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return nil, fmt.Errorf("challenge: unmarshal: %w", err)
	}
	return &ch, nil
}
