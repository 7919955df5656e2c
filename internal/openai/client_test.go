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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/logquery-assistant/internal/resilience"
)

// createMockChatResponse creates a mock chat completion response
func createMockChatResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1234567890,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return string(body)
}

type recordedRequest struct {
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature float32                        `json:"temperature"`
	Model       string                         `json:"model"`
}

// mockProviderServer replies with reply(n) for the n-th call and records request bodies
func mockProviderServer(t *testing.T, reply func(n int, w http.ResponseWriter)) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var calls int
	requests := &[]recordedRequest{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req recordedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		mu.Lock()
		*requests = append(*requests, req)
		n := calls
		calls++
		mu.Unlock()

		reply(n, w)
	}))
	t.Cleanup(server.Close)
	return server, requests
}

func writeChat(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(createMockChatResponse(content)))
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"message":%q,"type":"test","code":null}}`, message)
}

func testClient(t *testing.T, baseURL string, window int) *Client {
	t.Helper()
	policy := resilience.BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	client, err := NewClient(ClientConfig{
		ProviderID:   "openai",
		APIKey:       "sk-test1234567890abcdef", // pragma: allowlist secret
		BaseURL:      baseURL + "/v1",
		Model:        "gpt-4o-mini",
		MemoryWindow: window,
		Backoff:      &policy,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	// rate-limit delay from the server would slow the test down
	client.policy.DelayFor = nil
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{ProviderID: "openai"}, nil)
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{APIKey: "sk-x"}, nil)
	assert.Error(t, err)

	client, err := NewClient(ClientConfig{ProviderID: "openrouter", APIKey: "sk-or-x", Model: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openrouter", client.ID())
	assert.Equal(t, "m", client.Model())
	assert.Equal(t, DefaultMaxTokens, client.maxTokens)
}

func TestCompleteSendsSystemAndUser(t *testing.T) {
	server, requests := mockProviderServer(t, func(_ int, w http.ResponseWriter) {
		writeChat(w, `{"query":{"match_all":{}}}`)
	})
	client := testClient(t, server.URL, 0)

	resp, err := client.Complete(context.Background(), CompletionRequest{
		System:      "system prompt",
		User:        "question",
		Identity:    "42_query_generation",
		Temperature: 0,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"query":{"match_all":{}}}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	require.Len(t, *requests, 1)
	sent := (*requests)[0]
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, sent.Messages[0].Role)
	assert.Equal(t, "question", sent.Messages[1].Content)
	assert.Equal(t, "gpt-4o-mini", sent.Model)
	assert.Greater(t, sent.Temperature, float32(0), "zero temperature must still be sent explicitly")
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	server, requests := mockProviderServer(t, func(n int, w http.ResponseWriter) {
		if n < 2 {
			writeError(w, http.StatusTooManyRequests, "Rate limit reached")
			return
		}
		writeChat(w, "ok")
	})
	client := testClient(t, server.URL, 0)

	resp, err := client.Complete(context.Background(), CompletionRequest{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Len(t, *requests, 3)
}

func TestCompleteRateLimitExhausted(t *testing.T) {
	server, requests := mockProviderServer(t, func(_ int, w http.ResponseWriter) {
		writeError(w, http.StatusTooManyRequests, "Rate limit reached")
	})
	client := testClient(t, server.URL, 0)

	_, err := client.Complete(context.Background(), CompletionRequest{User: "hi"})
	require.Error(t, err)

	var providerErr *ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Contains(t, err.Error(), "rate limit")
	assert.Len(t, *requests, 3)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	server, requests := mockProviderServer(t, func(_ int, w http.ResponseWriter) {
		writeError(w, http.StatusUnauthorized, "Incorrect API key provided")
	})
	client := testClient(t, server.URL, 0)

	_, err := client.Complete(context.Background(), CompletionRequest{User: "hi"})
	require.Error(t, err)

	var providerErr *ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, http.StatusUnauthorized, providerErr.StatusCode)
	assert.Len(t, *requests, 1)
}

func TestCompleteKeepsIdentitiesIsolated(t *testing.T) {
	var counter int64
	server, requests := mockProviderServer(t, func(_ int, w http.ResponseWriter) {
		writeChat(w, fmt.Sprintf("answer-%d", atomic.AddInt64(&counter, 1)))
	})
	client := testClient(t, server.URL, 10)
	ctx := context.Background()

	_, err := client.Complete(ctx, CompletionRequest{User: "first", Identity: "7_openai"})
	require.NoError(t, err)
	_, err = client.Complete(ctx, CompletionRequest{User: "other", Identity: "7_openrouter"})
	require.NoError(t, err)
	_, err = client.Complete(ctx, CompletionRequest{User: "second", Identity: "7_openai"})
	require.NoError(t, err)

	require.Len(t, *requests, 3)
	assert.Len(t, (*requests)[1].Messages, 1, "a fresh identity must not see another identity's turns")
	third := (*requests)[2].Messages
	require.Len(t, third, 3)
	assert.Equal(t, "first", third[0].Content)
	assert.Equal(t, "answer-1", third[1].Content)

	client.Forget("7_openai")
	assert.Empty(t, client.memory.History("7_openai"))
	assert.Len(t, client.memory.History("7_openrouter"), 2)
}

func TestConversationMemoryWindow(t *testing.T) {
	memory := NewConversationMemory(3, 0, 0)
	for i := 0; i < 5; i++ {
		memory.Append("s", openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: fmt.Sprint(i)})
	}

	history := memory.History("s")
	require.Len(t, history, 3)
	assert.Equal(t, "2", history[0].Content)
	assert.Equal(t, "4", history[2].Content)

	history[0].Content = "mutated"
	assert.Equal(t, "2", memory.History("s")[0].Content, "History must return a copy")
	assert.Equal(t, 1, memory.tracked())
}

func TestConversationMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	memory := NewConversationMemory(4, 2, 0)
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "hi"}

	memory.Append("s1_openai", msg)
	memory.Append("s2_openai", msg)
	memory.History("s1_openai")
	memory.Append("s3_openai", msg)

	assert.Equal(t, 2, memory.tracked())
	assert.Len(t, memory.History("s1_openai"), 1)
	assert.Empty(t, memory.History("s2_openai"))
	assert.Len(t, memory.History("s3_openai"), 1)
}

func TestConversationMemoryExpiresIdleIdentities(t *testing.T) {
	memory := NewConversationMemory(4, 0, time.Hour)
	now := time.Date(2025, 9, 14, 10, 0, 0, 0, time.UTC)
	memory.now = func() time.Time { return now }
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "hi"}

	memory.Append("s1_openai", msg)
	now = now.Add(30 * time.Minute)
	assert.Len(t, memory.History("s1_openai"), 1)

	now = now.Add(2 * time.Hour)
	assert.Empty(t, memory.History("s1_openai"))
	assert.Equal(t, 0, memory.tracked())

	memory.Append("s1_openai", msg)
	assert.Len(t, memory.History("s1_openai"), 1)
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"}]}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL, 0)
	assert.NoError(t, client.Ping(context.Background()))

	broken := testClient(t, server.URL+"/wrong", 0)
	err := broken.Ping(context.Background())
	require.Error(t, err)
	var providerErr *ProviderError
	assert.ErrorAs(t, err, &providerErr)
}
