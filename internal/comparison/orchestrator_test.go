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

package comparison

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/logquery-assistant/internal/openai"
	"github.com/your-org/logquery-assistant/internal/pipeline"
	"github.com/your-org/logquery-assistant/internal/runlog"
	"github.com/your-org/logquery-assistant/internal/search"
	"github.com/your-org/logquery-assistant/internal/synth"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runnerFunc func(ctx context.Context, req pipeline.Request) *pipeline.Result

func (f runnerFunc) Run(ctx context.Context, req pipeline.Request) *pipeline.Result {
	return f(ctx, req)
}

func okRunner(providerID string) runnerFunc {
	return func(_ context.Context, req pipeline.Request) *pipeline.Result {
		return &pipeline.Result{
			ProviderID: providerID,
			Identity:   req.Identity,
			Question:   req.Question,
			Status:     pipeline.StatusDataFound,
			Query:      `{"query":{"match_all":{}},"size":50}`,
		}
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []runlog.Record
	err     error
}

func (r *memoryRecorder) Save(_ context.Context, rec runlog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func TestCompareRunsProvidersConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(providerID string) runnerFunc {
		return func(ctx context.Context, req pipeline.Request) *pipeline.Result {
			started.Done()
			waited := make(chan struct{})
			go func() {
				started.Wait()
				close(waited)
			}()
			select {
			case <-waited:
			case <-time.After(2 * time.Second):
				t.Errorf("provider %s never saw the other provider start", providerID)
			}
			return okRunner(providerID)(ctx, req)
		}
	}

	orch, err := NewOrchestrator([]ProviderSpec{
		{ID: "openai", Temperature: 0, Pipeline: barrier("openai")},
		{ID: "openrouter", Temperature: 0.7, Pipeline: barrier("openrouter")},
	}, Options{Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)

	run := orch.Compare(context.Background(), "s1", "Top 5 IP bị chặn")
	orch.Wait()

	require.Len(t, run.Providers, 2)
	assert.Equal(t, []string{"openai", "openrouter"}, run.ProviderIDs())
	assert.Equal(t, "s1_openai", run.Providers["openai"].Identity)
	assert.Equal(t, "s1_openrouter", run.Providers["openrouter"].Identity)
	assert.Equal(t, float32(0.7), run.Providers["openrouter"].Temperature)
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.CompletedAt.Before(run.StartedAt))
}

func TestCompareTimingInvariant(t *testing.T) {
	orch, err := NewOrchestrator([]ProviderSpec{
		{ID: "openai", Pipeline: okRunner("openai")},
		{ID: "openrouter", Pipeline: okRunner("openrouter")},
	}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		run := orch.Compare(context.Background(), "s1", "đếm số log")
		assert.Equal(t, run.EstimatedSerialMs-run.TotalWallClockMs, run.TimeSavedMs)
	}
	orch.Wait()
}

func TestCompareTimeSavedWithDelays(t *testing.T) {
	slow := func(providerID string) runnerFunc {
		return func(ctx context.Context, req pipeline.Request) *pipeline.Result {
			time.Sleep(60 * time.Millisecond)
			return okRunner(providerID)(ctx, req)
		}
	}
	orch, err := NewOrchestrator([]ProviderSpec{
		{ID: "openai", Pipeline: slow("openai")},
		{ID: "openrouter", Pipeline: slow("openrouter")},
	}, Options{Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	run := orch.Compare(context.Background(), "s1", "liệt kê log")
	orch.Wait()

	assert.GreaterOrEqual(t, run.EstimatedSerialMs, int64(120))
	assert.Greater(t, run.TimeSavedMs, int64(0))
	assert.InDelta(t, run.EstimatedSerialMs-run.TotalWallClockMs, run.TimeSavedMs, 1)
}

func TestCompareIsolatesPanickingProvider(t *testing.T) {
	crashing := runnerFunc(func(context.Context, pipeline.Request) *pipeline.Result {
		panic("provider state corrupted")
	})
	orch, err := NewOrchestrator([]ProviderSpec{
		{ID: "openai", Pipeline: okRunner("openai")},
		{ID: "openrouter", Pipeline: crashing},
	}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	run := orch.Compare(context.Background(), "s1", "liệt kê log")
	orch.Wait()

	assert.Equal(t, pipeline.StatusDataFound, run.Providers["openai"].Status)
	faulted := run.Providers["openrouter"]
	assert.Equal(t, pipeline.StatusFault, faulted.Status)
	assert.Contains(t, faulted.Error, "provider state corrupted")
	assert.Equal(t, "s1_openrouter", faulted.Identity)
	assert.Contains(t, faulted.Answer, "Internal Error")
}

func TestCompareMarksSlowProviderAsTimeout(t *testing.T) {
	release := make(chan struct{})
	blocked := runnerFunc(func(ctx context.Context, req pipeline.Request) *pipeline.Result {
		<-release
		return okRunner("openrouter")(ctx, req)
	})
	orch, err := NewOrchestrator([]ProviderSpec{
		{ID: "openai", Pipeline: okRunner("openai")},
		{ID: "openrouter", Pipeline: blocked},
	}, Options{Timeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	run := orch.Compare(context.Background(), "s1", "liệt kê log")

	assert.Equal(t, pipeline.StatusDataFound, run.Providers["openai"].Status)
	assert.Equal(t, pipeline.StatusTimeout, run.Providers["openrouter"].Status)
	assert.Contains(t, run.Providers["openrouter"].Answer, "Timeout")
	assert.True(t, orch.Busy())

	close(release)
	orch.Wait()
	assert.False(t, orch.Busy())
	assert.Equal(t, pipeline.StatusTimeout, run.Providers["openrouter"].Status, "late result must be discarded")
}

func TestCompareRecordsRun(t *testing.T) {
	recorder := &memoryRecorder{}
	orch, err := NewOrchestrator([]ProviderSpec{
		{ID: "openai", Pipeline: okRunner("openai")},
		{ID: "openrouter", Pipeline: okRunner("openrouter")},
	}, Options{Recorder: recorder}, zaptest.NewLogger(t))
	require.NoError(t, err)

	run := orch.Compare(context.Background(), "s1", "liệt kê log")
	orch.Wait()

	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, run.ID, rec.ID)
	assert.Equal(t, "s1", rec.SessionID)

	var decoded Run
	require.NoError(t, json.Unmarshal(rec.Payload, &decoded))
	assert.Equal(t, pipeline.StatusDataFound, decoded.Providers["openrouter"].Status)
}

func TestCompareSurvivesRecorderFailure(t *testing.T) {
	recorder := &memoryRecorder{err: errors.New("disk full")}
	orch, err := NewOrchestrator([]ProviderSpec{{ID: "openai", Pipeline: okRunner("openai")}},
		Options{Recorder: recorder}, zaptest.NewLogger(t))
	require.NoError(t, err)

	run := orch.Compare(context.Background(), "s1", "liệt kê log")
	orch.Wait()
	assert.Equal(t, pipeline.StatusDataFound, run.Providers["openai"].Status)
}

func TestNewOrchestratorValidation(t *testing.T) {
	_, err := NewOrchestrator(nil, Options{}, nil)
	assert.Error(t, err)

	_, err = NewOrchestrator([]ProviderSpec{
		{ID: "openai", Pipeline: okRunner("openai")},
		{ID: "openai", Pipeline: okRunner("openai")},
	}, Options{}, nil)
	assert.Error(t, err)

	orch, err := NewOrchestrator([]ProviderSpec{{ID: "openai", Pipeline: okRunner("openai")}}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, orch.Timeout())
}

// sharedMemory is conversation memory keyed by identity, shared by every
// provider built on it
type sharedMemory struct {
	mu    sync.Mutex
	turns map[string][]string
}

func (m *sharedMemory) corrupt(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[identity] = append(m.turns[identity], "\x00corrupted")
}

type memoryProvider struct {
	id     string
	reply  string
	memory *sharedMemory
}

func (p *memoryProvider) ID() string { return p.id }

func (p *memoryProvider) Complete(_ context.Context, req openai.CompletionRequest) (*openai.CompletionResponse, error) {
	p.memory.mu.Lock()
	defer p.memory.mu.Unlock()
	for _, turn := range p.memory.turns[req.Identity] {
		if strings.Contains(turn, "corrupted") {
			return &openai.CompletionResponse{Content: "<corrupted conversation state>"}, nil
		}
	}
	p.memory.turns[req.Identity] = append(p.memory.turns[req.Identity], req.User)
	return &openai.CompletionResponse{Content: p.reply}, nil
}

type staticEngine struct{}

func (staticEngine) Search(context.Context, string, []byte) ([]byte, error) {
	return []byte(`{"hits":{"total":{"value":1},"hits":[{"_source":{"event.action":"deny"}}]}}`), nil
}

func (staticEngine) FieldNames(context.Context, string) ([]string, error) {
	return []string{"@timestamp"}, nil
}

func newMemoryOrchestrator(t *testing.T, memory *sharedMemory) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	build := func(id string) *pipeline.Pipeline {
		provider := &memoryProvider{id: id, reply: `{"query":{"match_all":{}}}`, memory: memory}
		p, err := pipeline.New(pipeline.Dependencies{
			Synthesizer: synth.NewSynthesizer(provider, logger),
			Executor:    search.NewExecutor(staticEngine{}, "logs-test*", logger),
		}, logger)
		require.NoError(t, err)
		return p
	}
	orch, err := NewOrchestrator([]ProviderSpec{
		{ID: "openai", Temperature: 0, Pipeline: build("openai")},
		{ID: "openrouter", Temperature: 0.7, Pipeline: build("openrouter")},
	}, Options{Timeout: 5 * time.Second}, logger)
	require.NoError(t, err)
	return orch
}

func TestCompareConversationIsolation(t *testing.T) {
	baselineOrch := newMemoryOrchestrator(t, &sharedMemory{turns: map[string][]string{}})
	baseline := baselineOrch.Compare(context.Background(), "s1", "liệt kê log")
	baselineOrch.Wait()

	memory := &sharedMemory{turns: map[string][]string{}}
	memory.corrupt("s1_openrouter")
	orch := newMemoryOrchestrator(t, memory)
	run := orch.Compare(context.Background(), "s1", "liệt kê log")
	orch.Wait()

	healthy := run.Providers["openai"]
	assert.Equal(t, pipeline.StatusDataFound, healthy.Status)
	assert.Equal(t, baseline.Providers["openai"].Query, healthy.Query)
	assert.Equal(t, pipeline.StatusGenerationFailure, run.Providers["openrouter"].Status)

	assert.NotEqual(t, healthy.Identity, run.Providers["openrouter"].Identity)
	require.NotNil(t, healthy.Candidate)
	assert.Equal(t, "s1_openai", healthy.Candidate.Identity)
}
