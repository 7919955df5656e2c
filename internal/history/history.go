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

// Package history stores the per-session chat turns that the conversation
// context engine scores. Memory, SQLite and Redis backends are provided.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Backend names accepted by New
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// DefaultMaxTurns is how many turns a session keeps when unset
const DefaultMaxTurns = 30

// Role identifies who authored a turn
type Role string

const (
	// RoleUser marks a turn written by the user
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the assistant
	RoleAssistant Role = "assistant"
)

// Turn is one message of a chat session
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists session turns
type Store interface {
	// Append adds a turn to the session
	Append(ctx context.Context, sessionID string, turn Turn) error
	// Recent returns up to limit turns, most recent first. A non-positive
	// limit returns everything kept for the session.
	Recent(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	// Clear removes every turn of the session
	Clear(ctx context.Context, sessionID string) error
	// Close releases the backend
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend  string
	DBPath   string
	RedisURL string
	MaxTurns int
}

// New creates the store named by cfg.Backend
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}

	var (
		store Store
		err   error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		store = NewMemoryStore(cfg.MaxTurns)
	case BackendSQLite:
		store, err = NewSQLiteStore(cfg.DBPath, cfg.MaxTurns)
	case BackendRedis:
		store, err = NewRedisStore(ctx, cfg.RedisURL, cfg.MaxTurns, logger)
	default:
		return nil, fmt.Errorf("unsupported history backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s history store: %w", cfg.Backend, err)
	}

	logger.Info("History store initialized",
		zap.String("backend", cfg.Backend),
		zap.Int("max_turns", cfg.MaxTurns))
	return store, nil
}

// UserTurns filters turns down to the ones written by the user
func UserTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Role == RoleUser {
			out = append(out, turn)
		}
	}
	return out
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	return nil
}
