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
	"sync"
)

// MemoryStore keeps turns in process memory
type MemoryStore struct {
	mutex    sync.RWMutex
	sessions map[string][]Turn
	maxTurns int
}

// NewMemoryStore creates an in-memory store keeping maxTurns per session
func NewMemoryStore(maxTurns int) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &MemoryStore{
		sessions: make(map[string][]Turn),
		maxTurns: maxTurns,
	}
}

// Append adds a turn, dropping the oldest beyond the limit
func (m *MemoryStore) Append(_ context.Context, sessionID string, turn Turn) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	turns := append(m.sessions[sessionID], turn)
	if len(turns) > m.maxTurns {
		turns = append([]Turn(nil), turns[len(turns)-m.maxTurns:]...)
	}
	m.sessions[sessionID] = turns
	return nil
}

// Recent returns up to limit turns, most recent first
func (m *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stored := m.sessions[sessionID]
	if limit <= 0 || limit > len(stored) {
		limit = len(stored)
	}
	out := make([]Turn, 0, limit)
	for i := len(stored) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, stored[i])
	}
	return out, nil
}

// Clear removes the session
func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error {
	return nil
}
