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
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// exerciseStore runs the behaviour every backend must share
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	session := "session-" + uuid.NewString()
	other := "other-" + uuid.NewString()
	base := time.Date(2025, 9, 15, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, session, Turn{
			Role:      RoleUser,
			Content:   fmt.Sprintf("question %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Append(ctx, other, Turn{Role: RoleAssistant, Content: "elsewhere"}))

	turns, err := store.Recent(ctx, session, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "question 4", turns[0].Content)
	assert.Equal(t, "question 3", turns[1].Content)
	assert.True(t, turns[0].Timestamp.Equal(base.Add(4*time.Minute)))

	// maxTurns is 3 for every store under test
	all, err := store.Recent(ctx, session, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "question 2", all[2].Content)

	otherTurns, err := store.Recent(ctx, other, 10)
	require.NoError(t, err)
	require.Len(t, otherTurns, 1)
	assert.True(t, otherTurns[0].Timestamp.IsZero())

	require.NoError(t, store.Clear(ctx, session))
	cleared, err := store.Recent(ctx, session, 10)
	require.NoError(t, err)
	assert.Empty(t, cleared)

	assert.Error(t, store.Append(ctx, "  ", Turn{Role: RoleUser, Content: "x"}))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(3)
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), 3)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	exerciseStore(t, store)
}

func TestSQLiteStoreInMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", 3)
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+server.Addr()+"/0", 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	exerciseStore(t, store)
}

func TestRedisStoreTrimsAndSkipsBadEntries(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+server.Addr(), 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "s1", Turn{Role: RoleUser, Content: fmt.Sprintf("q%d", i)}))
	}
	stored, err := server.List(redisKeyPrefix + "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	_, err = server.Lpush(redisKeyPrefix+"s1", "not json")
	require.NoError(t, err)
	turns, err := store.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "q4", turns[0].Content)

	require.NoError(t, store.Clear(ctx, "s1"))
	assert.False(t, server.Exists(redisKeyPrefix+"s1"))
}

func TestNewRedisStoreGivesUpWhenUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	start := time.Now()
	_, err := NewRedisStore(context.Background(), "redis://"+addr, 3, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
	assert.GreaterOrEqual(t, time.Since(start), redisConnectDelay)
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store, err := New(ctx, Config{}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = New(ctx, Config{Backend: "sqlite", DBPath: filepath.Join(t.TempDir(), "h.db")}, logger)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = New(ctx, Config{Backend: "sqlite"}, logger)
	assert.Error(t, err)

	server := miniredis.RunT(t)
	store, err = New(ctx, Config{Backend: "redis", RedisURL: "redis://" + server.Addr()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	require.NoError(t, store.Close())

	_, err = New(ctx, Config{Backend: "redis", RedisURL: "not a url"}, logger)
	assert.Error(t, err)

	_, err = New(ctx, Config{Backend: "cassandra"}, logger)
	assert.Error(t, err)
}

func TestUserTurns(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleUser, Content: "c"},
	}
	users := UserTurns(turns)
	require.Len(t, users, 2)
	assert.Equal(t, "c", users[1].Content)
}
