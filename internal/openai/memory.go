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

package openai

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sashabaranov/go-openai"
)

// Conversation memory bounds used when a client config leaves them unset
const (
	DefaultMemoryIdentities = 1000
	DefaultMemoryTTL        = 2 * time.Hour
)

type conversation struct {
	messages []openai.ChatCompletionMessage
	touched  time.Time
}

// ConversationMemory keeps a sliding window of messages per conversation
// identity. Identities are fully isolated from each other. At most
// maxIdentities are tracked, the least recently used is evicted first, and
// an identity idle for longer than ttl starts over empty.
type ConversationMemory struct {
	mu      sync.Mutex
	window  int
	ttl     time.Duration
	now     func() time.Time
	history *lru.Cache[string, conversation]
}

// NewConversationMemory creates a memory holding at most window messages per
// identity. Non-positive bounds fall back to the defaults.
func NewConversationMemory(window, maxIdentities int, ttl time.Duration) *ConversationMemory {
	if maxIdentities <= 0 {
		maxIdentities = DefaultMemoryIdentities
	}
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	// only fails for a non-positive size
	history, _ := lru.New[string, conversation](maxIdentities)
	return &ConversationMemory{
		window:  window,
		ttl:     ttl,
		now:     time.Now,
		history: history,
	}
}

// lookup returns the live conversation for identity, dropping an expired one
func (m *ConversationMemory) lookup(identity string) (conversation, bool) {
	c, ok := m.history.Get(identity)
	if !ok {
		return conversation{}, false
	}
	if m.now().Sub(c.touched) > m.ttl {
		m.history.Remove(identity)
		return conversation{}, false
	}
	return c, true
}

// History returns a copy of the messages stored for identity
func (m *ConversationMemory) History(identity string) []openai.ChatCompletionMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, _ := m.lookup(identity)
	out := make([]openai.ChatCompletionMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Append records messages for identity, trimming the oldest beyond the window
func (m *ConversationMemory) Append(identity string, msgs ...openai.ChatCompletionMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, _ := m.lookup(identity)
	stored := append(append([]openai.ChatCompletionMessage(nil), c.messages...), msgs...)
	if len(stored) > m.window {
		stored = stored[len(stored)-m.window:]
	}
	m.history.Add(identity, conversation{messages: stored, touched: m.now()})
}

// Forget removes everything stored for identity
func (m *ConversationMemory) Forget(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.Remove(identity)
}

func (m *ConversationMemory) tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Len()
}
