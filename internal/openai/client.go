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
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/resilience"
)

const (
	// MaxRetries defines the maximum number of attempts for one completion
	MaxRetries = 3
	// BaseRetryDelay defines the base delay for exponential backoff
	BaseRetryDelay = time.Second
	// DefaultMaxTokens is used when the config leaves max tokens unset
	DefaultMaxTokens = 2000
)

// ClientConfig describes one OpenAI-compatible provider endpoint
type ClientConfig struct {
	ProviderID string
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	// MemoryWindow is the number of messages kept per conversation identity.
	// Zero disables conversation memory.
	MemoryWindow int
	// MemoryIdentities and MemoryTTL bound how many identities are kept and
	// how long an idle one survives. Zero means the defaults.
	MemoryIdentities int
	MemoryTTL        time.Duration
	Backoff          *resilience.BackoffPolicy
}

// Client wraps the go-openai client with retries and per-identity memory
type Client struct {
	client     *openai.Client
	logger     *zap.Logger
	providerID string
	model      string
	maxTokens  int
	policy     resilience.BackoffPolicy
	memory     *ConversationMemory
}

// RetryableError represents an error that can be retried
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, e.Message)
}

// ProviderError is a non-retryable failure reported by the provider
type ProviderError struct {
	ProviderID string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.ProviderID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.ProviderID, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CompletionRequest is one provider call. Identity scopes the conversation
// memory; requests under different identities never see each other's turns.
type CompletionRequest struct {
	System      string
	User        string
	Identity    string
	Temperature float32
}

// CompletionResponse represents the response from a chat completion
type CompletionResponse struct {
	Content      string
	FinishReason string
	Usage        openai.Usage
	Latency      time.Duration
}

// NewClient creates a provider client. No network call is made here.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for provider %q", cfg.ProviderID)
	}
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	oaConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return newClient(openai.NewClientWithConfig(oaConfig), cfg, logger), nil
}

func newClient(api *openai.Client, cfg ClientConfig, logger *zap.Logger) *Client {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	policy := resilience.BackoffPolicy{
		MaxAttempts: MaxRetries,
		BaseDelay:   BaseRetryDelay,
		MaxDelay:    resilience.DefaultMaxDelay,
		Multiplier:  resilience.DefaultMultiplier,
		Jitter:      true,
	}
	if cfg.Backoff != nil {
		policy = *cfg.Backoff
	}
	policy.RetryIf = func(err error) bool {
		var retryErr *RetryableError
		return errors.As(err, &retryErr)
	}
	policy.DelayFor = func(err error) (time.Duration, bool) {
		var retryErr *RetryableError
		if errors.As(err, &retryErr) && retryErr.RetryAfter > 0 {
			return retryErr.RetryAfter, true
		}
		return 0, false
	}

	var memory *ConversationMemory
	if cfg.MemoryWindow > 0 {
		memory = NewConversationMemory(cfg.MemoryWindow, cfg.MemoryIdentities, cfg.MemoryTTL)
	}

	logger.Info("Provider client initialized",
		zap.String("provider", cfg.ProviderID),
		zap.String("model", cfg.Model),
		zap.Int("max_tokens", maxTokens),
		zap.Int("memory_window", cfg.MemoryWindow))

	return &Client{
		client:     api,
		logger:     logger,
		providerID: cfg.ProviderID,
		model:      cfg.Model,
		maxTokens:  maxTokens,
		policy:     policy,
		memory:     memory,
	}
}

// ID returns the provider identifier
func (c *Client) ID() string {
	return c.providerID
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.model
}

// Ping lists the provider's models to check reachability and credentials
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return c.handleAPIError(err)
	}
	return nil
}

// Complete sends one chat completion, retrying on rate limits and 5xx
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 8)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	if c.memory != nil && req.Identity != "" {
		messages = append(messages, c.memory.History(req.Identity)...)
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	temperature := req.Temperature
	if temperature == 0 {
		// the request field is omitempty; a literal zero would fall back to the API default
		temperature = math.SmallestNonzeroFloat32
	}
	oaReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: temperature,
	}

	c.logger.Debug("Creating chat completion",
		zap.String("provider", c.providerID),
		zap.String("identity", req.Identity),
		zap.Float64("temperature", float64(req.Temperature)),
		zap.Int("message_count", len(messages)))

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := resilience.WithExponentialBackoff(ctx, c.logger, c.policy, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, oaReq)
		if callErr != nil {
			return c.handleAPIError(callErr)
		}
		return nil
	})
	if err != nil {
		var providerErr *ProviderError
		if errors.As(err, &providerErr) {
			return nil, providerErr
		}
		return nil, &ProviderError{ProviderID: c.providerID, Message: err.Error(), Err: err}
	}

	if len(resp.Choices) == 0 {
		return nil, &ProviderError{ProviderID: c.providerID, Message: "no choices returned"}
	}

	content := resp.Choices[0].Message.Content
	if c.memory != nil && req.Identity != "" {
		c.memory.Append(req.Identity,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
		)
	}

	latency := time.Since(start)
	c.logger.Debug("Chat completion successful",
		zap.String("provider", c.providerID),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("latency", latency))

	return &CompletionResponse{
		Content:      content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        resp.Usage,
		Latency:      latency,
	}, nil
}

// Forget drops the conversation memory of a disposable identity
func (c *Client) Forget(identity string) {
	if c.memory != nil {
		c.memory.Forget(identity)
	}
}

// handleAPIError handles API errors and determines if they are retryable
func (c *Client) handleAPIError(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return c.classifyStatus(reqErr.HTTPStatusCode, reqErr.Error(), err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &ProviderError{ProviderID: c.providerID, Message: err.Error(), Err: err}
	}
	return c.classifyStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
}

func (c *Client) classifyStatus(status int, message string, err error) error {
	switch status {
	case http.StatusTooManyRequests:
		return &RetryableError{StatusCode: status, Message: "rate limit: " + message, RetryAfter: BaseRetryDelay}
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &RetryableError{StatusCode: status, Message: message}
	case http.StatusUnauthorized:
		return &ProviderError{ProviderID: c.providerID, StatusCode: status, Message: "unauthorized: " + message, Err: err}
	default:
		return &ProviderError{ProviderID: c.providerID, StatusCode: status, Message: message, Err: err}
	}
}
