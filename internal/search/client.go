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

// Package search executes queries against Elasticsearch and classifies the
// outcome.
package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/resilience"
)

const (
	// DefaultTimeout bounds a single request including its retries
	DefaultTimeout = 30 * time.Second
	// DefaultRetryDelay is the base delay between transport retries
	DefaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	maxErrorBody      = 64 * 1024
)

// retryStatuses are the responses the transport retries
var retryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Engine is the search engine the pipeline executes against
type Engine interface {
	Search(ctx context.Context, index string, body []byte) ([]byte, error)
	FieldNames(ctx context.Context, index string) ([]string, error)
}

// EngineError is a non-2xx response from the engine
type EngineError struct {
	StatusCode int
	Type       string
	Reason     string
	Body       string
}

func (e *EngineError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("Elasticsearch error (status %d): %s: %s", e.StatusCode, e.Type, e.Reason)
	}
	return fmt.Sprintf("Elasticsearch error (status %d): %s", e.StatusCode, e.Body)
}

// Message returns the text used for error classification
func (e *EngineError) Message() string {
	if e.Body != "" {
		return e.Error() + " " + e.Body
	}
	return e.Error()
}

// ClientConfig holds Elasticsearch connection settings
type ClientConfig struct {
	URL                string
	APIKey             string
	InsecureSkipVerify bool
	Timeout            time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
}

// Client wraps the official Elasticsearch client with a circuit breaker and
// typed engine errors
type Client struct {
	es      *elasticsearch.Client
	logger  *zap.Logger
	timeout time.Duration
	breaker *resilience.CircuitBreaker
}

// NewClient creates an Elasticsearch client. No request is made here.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid elasticsearch URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backoff := resilience.BackoffPolicy{
		BaseDelay:  cfg.RetryDelay,
		MaxDelay:   maxRetryDelay,
		Multiplier: resilience.DefaultMultiplier,
		Jitter:     true,
	}
	if backoff.BaseDelay <= 0 {
		backoff.BaseDelay = DefaultRetryDelay
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed cluster certificates
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{strings.TrimRight(cfg.URL, "/")},
		APIKey:        cfg.APIKey,
		Header:        http.Header{"kbn-xsrf": []string{"reporting"}},
		Transport:     transport,
		RetryOnStatus: retryStatuses,
		MaxRetries:    cfg.MaxRetries,
		DisableRetry:  cfg.MaxRetries <= 0,
		RetryBackoff: func(attempt int) time.Duration {
			delay := backoff.Delay(attempt - 1)
			logger.Warn("Retrying Elasticsearch request",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			return delay
		},
		Logger: &transportLogger{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	breakerConfig := resilience.DefaultCircuitBreakerConfig("elasticsearch")
	breakerConfig.IsFailure = isUnavailable

	return &Client{
		es:      es,
		logger:  logger,
		timeout: timeout,
		breaker: resilience.NewCircuitBreaker(breakerConfig, logger),
	}, nil
}

// Search runs body against index and returns the raw response
func (c *Client) Search(ctx context.Context, index string, body []byte) ([]byte, error) {
	return c.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(index),
			c.es.Search.WithBody(bytes.NewReader(body)),
		)
	})
}

// FieldNames lists the non-metadata fields mapped in index, sorted
func (c *Client) FieldNames(ctx context.Context, index string) ([]string, error) {
	resp, err := c.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return c.es.FieldCaps(
			c.es.FieldCaps.WithContext(ctx),
			c.es.FieldCaps.WithIndex(index),
			c.es.FieldCaps.WithFields("*"),
		)
	})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp) {
		return nil, errors.New("invalid field capabilities response")
	}

	var names []string
	gjson.GetBytes(resp, "fields").ForEach(func(key, _ gjson.Result) bool {
		if name := key.String(); !strings.HasPrefix(name, "_") {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names, nil
}

// Ping checks that the cluster answers
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return c.es.Info(c.es.Info.WithContext(ctx))
	})
	return err
}

// BreakerState exposes the circuit breaker state for health reporting
func (c *Client) BreakerState() resilience.CircuitState {
	return c.breaker.State()
}

// do runs one API call under the breaker and the request timeout and turns
// an error response into an *EngineError
func (c *Client) do(ctx context.Context, call func(context.Context) (*esapi.Response, error)) ([]byte, error) {
	var result []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		res, err := call(reqCtx)
		if err != nil {
			// our own deadline means the cluster is slow, not that the caller gave up
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("elasticsearch request timed out after %s", c.timeout)
			}
			return fmt.Errorf("elasticsearch request failed: %w", err)
		}
		defer res.Body.Close()

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if res.IsError() {
			return newEngineError(res.StatusCode, data)
		}
		result = data
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return nil, fmt.Errorf("elasticsearch unavailable: %w", err)
	}
	return result, err
}

func newEngineError(status int, body []byte) *EngineError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	e := &EngineError{StatusCode: status, Body: string(body)}
	if gjson.ValidBytes(body) {
		e.Type = gjson.GetBytes(body, "error.type").String()
		e.Reason = gjson.GetBytes(body, "error.reason").String()
		if cause := gjson.GetBytes(body, "error.caused_by.reason"); cause.Exists() && e.Reason != "" {
			e.Reason += " (" + cause.String() + ")"
		}
	}
	return e
}

// isUnavailable reports errors that say nothing about the query itself
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		for _, status := range retryStatuses {
			if engineErr.StatusCode == status {
				return true
			}
		}
		return false
	}
	return true
}

// transportLogger reports every round trip, retries included, through zap
type transportLogger struct {
	logger *zap.Logger
}

func (l *transportLogger) LogRoundTrip(req *http.Request, res *http.Response, err error, _ time.Time, dur time.Duration) error {
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("duration", dur),
	}
	if res != nil {
		fields = append(fields, zap.Int("status", res.StatusCode))
	}
	if err != nil {
		l.logger.Debug("Elasticsearch round trip failed", append(fields, zap.Error(err))...)
		return nil
	}
	l.logger.Debug("Elasticsearch request completed", fields...)
	return nil
}

func (l *transportLogger) RequestBodyEnabled() bool { return false }

func (l *transportLogger) ResponseBodyEnabled() bool { return false }
