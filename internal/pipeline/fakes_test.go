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

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/logquery-assistant/internal/openai"
	"github.com/your-org/logquery-assistant/internal/search"
	"github.com/your-org/logquery-assistant/internal/synth"
)

// scriptedProvider answers completion requests in order
type scriptedProvider struct {
	id       string
	mu       sync.Mutex
	replies  []string
	requests []openai.CompletionRequest
	forgot   []string
}

func (s *scriptedProvider) ID() string {
	if s.id == "" {
		return "openai"
	}
	return s.id
}

func (s *scriptedProvider) Complete(_ context.Context, req openai.CompletionRequest) (*openai.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return &openai.CompletionResponse{Content: reply}, nil
}

func (s *scriptedProvider) Forget(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgot = append(s.forgot, identity)
}

func (s *scriptedProvider) calls() []openai.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]openai.CompletionRequest(nil), s.requests...)
}

type engineReply struct {
	payload string
	err     error
}

// fakeEngine replays search responses and records the bodies it receives
type fakeEngine struct {
	mu        sync.Mutex
	replies   []engineReply
	bodies    []string
	fields    []string
	fieldsErr error
}

func (f *fakeEngine) Search(_ context.Context, _ string, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, string(body))
	if len(f.replies) == 0 {
		return nil, errors.New("no scripted search reply left")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	return []byte(reply.payload), nil
}

func (f *fakeEngine) FieldNames(_ context.Context, _ string) ([]string, error) {
	return f.fields, f.fieldsErr
}

func (f *fakeEngine) searches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

const (
	hitsPayload  = `{"hits":{"total":{"value":2},"hits":[{"_source":{"event.action":"deny"}},{"_source":{"event.action":"deny"}}]}}`
	emptyPayload = `{"hits":{"total":{"value":0},"hits":[]}}`
	aggsPayload  = `{"hits":{"total":{"value":10000},"hits":[]},"aggregations":{"total_count":{"value":42}}}`
)

func parsingError() error {
	return &search.EngineError{StatusCode: 400, Type: "parsing_exception", Reason: "unknown query [bogus]"}
}

func newTestPipeline(t *testing.T, provider *scriptedProvider, engine *fakeEngine, compose bool) *Pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	p, err := New(Dependencies{
		Synthesizer:     synth.NewSynthesizer(provider, logger),
		Executor:        search.NewExecutor(engine, "logs-test*", logger),
		Memory:          provider,
		Location:        time.FixedZone("ICT", 7*3600),
		ComposeResponse: compose,
		Now: func() time.Time {
			return time.Date(2025, 9, 14, 10, 55, 55, 0, time.UTC)
		},
	}, logger)
	require.NoError(t, err)
	return p
}
