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

package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCodeStore is a CodeStore backed by Redis. Code expiry is enforced by
// Redis key TTLs, so expired codes vanish without a sweep.
type RedisCodeStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCodeStore creates a code store on the given Redis client.
func NewRedisCodeStore(client redis.UniversalClient) *RedisCodeStore {
	return &RedisCodeStore{
		client: client,
		prefix: "authgate:mfa_code",
	}
}

func (s *RedisCodeStore) key(userID string, method Method) string {
	return s.prefix + ":" + userID + ":" + string(method)
}

// Save stores a code, replacing any live code for (user, method). The key TTL
// matches the code expiry.
func (s *RedisCodeStore) Save(ctx context.Context, code *Code) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("mfa: marshal code: %w", err)
	}
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return ErrCodeExpired
	}
	if err := s.client.Set(ctx, s.key(code.UserID, code.Method), data, ttl).Err(); err != nil {
		return fmt.Errorf("mfa: save code: %w", err)
	}
	return nil
}

// Get returns the live code for (user, method).
func (s *RedisCodeStore) Get(ctx context.Context, userID string, method Method) (*Code, error) {
	data, err := s.client.Get(ctx, s.key(userID, method)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCodeExpired
		}
		return nil, fmt.Errorf("mfa: get code: %w", err)
	}
	var code Code
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("mfa: unmarshal code: %w", err)
	}
	return &code, nil
}

// Delete removes the live code for (user, method), if any.
func (s *RedisCodeStore) Delete(ctx context.Context, userID string, method Method) error {
	if err := s.client.Del(ctx, s.key(userID, method)).Err(); err != nil {
		return fmt.Errorf("mfa: delete code: %w", err)
	}
	return nil
}

// attemptsScript increments the attempt count inside the stored code without
// disturbing the key's TTL.
var attemptsScript = redis.NewScript(`
local data = redis.call("GET", KEYS[1])
if not data then
	return nil
end
local code = cjson.decode(data)
code.attempts = code.attempts + 1
redis.call("SET", KEYS[1], cjson.encode(code), "KEEPTTL")
return code.attempts
`)

// IncrAttempts atomically increments the failed attempt count for the live code.
func (s *RedisCodeStore) IncrAttempts(ctx context.Context, userID string, method Method) (int, error) {
	attempts, err := attemptsScript.Run(ctx, s.client, []string{s.key(userID, method)}).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrCodeExpired
		}
		return 0, fmt.Errorf("mfa: increment attempts: %w", err)
	}
	return attempts, nil
}
