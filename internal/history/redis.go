// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "logquery:history:"

// RedisConnectAttempts is how often the first ping is tried before giving up
const RedisConnectAttempts = 3

const redisConnectDelay = 100 * time.Millisecond

// RedisStore keeps each session as a Redis list, newest turn first
type RedisStore struct {
	client   redis.UniversalClient
	logger   *zap.Logger
	maxTurns int
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db)
func NewRedisStore(ctx context.Context, url string, maxTurns int, logger *zap.Logger) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(opts)
	err = retry.Do(
		func() error { return client.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(RedisConnectAttempts),
		retry.Delay(redisConnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Redis not reachable yet, retrying",
				zap.String("addr", opts.Addr),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, maxTurns, logger), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, maxTurns int, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &RedisStore{client: client, logger: logger, maxTurns: maxTurns}
}

func (r *RedisStore) key(sessionID string) string {
	return redisKeyPrefix + sessionID
}

// Append pushes a turn and trims the list
func (r *RedisStore) Append(ctx context.Context, sessionID string, turn Turn) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	key := r.key(sessionID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(r.maxTurns-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append turn in Redis: %w", err)
	}
	return nil
}

// Recent returns up to limit turns, most recent first. Entries that fail to
// decode are skipped.
func (r *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	values, err := r.client.LRange(ctx, r.key(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read turns from Redis: %w", err)
	}

	turns := make([]Turn, 0, len(values))
	for _, value := range values {
		var turn Turn
		if err := json.Unmarshal([]byte(value), &turn); err != nil {
			r.logger.Warn("Skipping undecodable turn",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Clear deletes the session list
func (r *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (r *RedisStore) Close() error {
	return r.client.Close()
}
