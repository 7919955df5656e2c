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

// Package comparison runs the same question through two independent provider
// pipelines concurrently and merges their results into one run.
package comparison

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/logquery-assistant/internal/metrics"
	"github.com/your-org/logquery-assistant/internal/pipeline"
	"github.com/your-org/logquery-assistant/internal/runlog"
)

// DefaultTimeout is the join ceiling when none is configured
const DefaultTimeout = 2 * time.Minute

// Runner runs one question for one provider
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) *pipeline.Result
}

// ProviderSpec configures one side of a comparison
type ProviderSpec struct {
	ID          string
	Temperature float32
	Pipeline    Runner
}

// Recorder persists finished runs
type Recorder interface {
	Save(ctx context.Context, rec runlog.Record) error
}

// ProviderResult is one provider's side of a run
type ProviderResult struct {
	pipeline.Result
	Temperature float32 `json:"temperature"`
	DurationMs  int64   `json:"duration_ms"`
}

// Run is the merged result of one comparison
type Run struct {
	ID                string                     `json:"id"`
	SessionID         string                     `json:"session_id"`
	Question          string                     `json:"question"`
	Providers         map[string]*ProviderResult `json:"providers"`
	TotalWallClockMs  int64                      `json:"total_wall_clock_ms"`
	EstimatedSerialMs int64                      `json:"estimated_serial_ms"`
	// TimeSavedMs is EstimatedSerialMs minus TotalWallClockMs and may be negative
	TimeSavedMs int64     `json:"time_saved_ms"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ProviderIDs returns the run's provider ids in sorted order
func (r *Run) ProviderIDs() []string {
	ids := make([]string, 0, len(r.Providers))
	for id := range r.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Identity is the conversation identity of a provider within a session
func Identity(sessionID, providerID string) string {
	return sessionID + "_" + providerID
}

// Options configures an orchestrator
type Options struct {
	Timeout  time.Duration
	Metrics  *metrics.Collector
	Recorder Recorder
}

// Orchestrator fans a question out to its providers
type Orchestrator struct {
	providers []ProviderSpec
	opts      Options
	logger    *zap.Logger
	inflight  sync.WaitGroup
	pending   atomic.Int64
}

// NewOrchestrator creates an orchestrator over providers. Provider ids must be
// unique.
func NewOrchestrator(providers []ProviderSpec, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if p.ID == "" || p.Pipeline == nil {
			return nil, fmt.Errorf("provider %q is missing an id or pipeline", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{providers: providers, opts: opts, logger: logger}, nil
}

// Timeout returns the join ceiling
func (o *Orchestrator) Timeout() time.Duration {
	return o.opts.Timeout
}

// Wait blocks until every provider task, including ones whose results were
// discarded after a timeout, has returned.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Busy reports whether any provider task is still running
func (o *Orchestrator) Busy() bool {
	return o.pending.Load() > 0
}

// Compare runs question through every provider concurrently. A provider that
// fails or panics does not affect the others; one still running when the
// ceiling passes is marked Timeout and its late result is discarded.
func (o *Orchestrator) Compare(ctx context.Context, sessionID, question string) *Run {
	timeout := o.Timeout()
	run := &Run{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Question:  question,
		Providers: make(map[string]*ProviderResult, len(o.providers)),
		StartedAt: time.Now(),
	}

	var mu sync.Mutex
	closed := false

	var g errgroup.Group
	for _, spec := range o.providers {
		spec := spec
		o.inflight.Add(1)
		o.pending.Add(1)
		g.Go(func() error {
			defer o.inflight.Done()
			defer o.pending.Add(-1)
			started := time.Now()
			res := o.runProvider(ctx, spec, sessionID, question)
			elapsed := time.Since(started)

			mu.Lock()
			defer mu.Unlock()
			if closed {
				o.logger.Warn("Discarding late provider result",
					zap.String("run_id", run.ID),
					zap.String("provider", spec.ID),
					zap.Duration("duration", elapsed))
				return nil
			}
			run.Providers[spec.ID] = &ProviderResult{
				Result:      *res,
				Temperature: spec.Temperature,
				DurationMs:  elapsed.Milliseconds(),
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	wall := time.Since(run.StartedAt)
	var serial time.Duration
	var timedOut []string
	for _, spec := range o.providers {
		pr, ok := run.Providers[spec.ID]
		if !ok {
			pr = timedOutResult(spec, sessionID, question, wall)
			run.Providers[spec.ID] = pr
			timedOut = append(timedOut, spec.ID)
		}
		serial += time.Duration(pr.DurationMs) * time.Millisecond
	}
	mu.Unlock()

	// durations are measured inside the tasks, wall clock around them, so
	// scheduling overhead can make saved negative for near-instant providers
	saved := serial - wall
	if saved < 0 {
		o.logger.Debug("Comparison slower than serial estimate",
			zap.String("run_id", run.ID),
			zap.Duration("wall_clock", wall),
			zap.Duration("estimated_serial", serial))
	}
	run.CompletedAt = time.Now()
	run.TotalWallClockMs = wall.Milliseconds()
	run.EstimatedSerialMs = serial.Milliseconds()
	run.TimeSavedMs = run.EstimatedSerialMs - run.TotalWallClockMs

	o.opts.Metrics.RecordComparison(wall, saved, timedOut)
	o.logger.Info("Comparison completed",
		zap.String("run_id", run.ID),
		zap.String("session_id", sessionID),
		zap.Int64("wall_clock_ms", run.TotalWallClockMs),
		zap.Int64("estimated_serial_ms", run.EstimatedSerialMs),
		zap.Int64("time_saved_ms", run.TimeSavedMs),
		zap.Strings("timed_out", timedOut))

	o.record(ctx, run)
	return run
}

// runProvider runs one provider and turns a panic into a Fault result
func (o *Orchestrator) runProvider(ctx context.Context, spec ProviderSpec, sessionID, question string) (res *pipeline.Result) {
	identity := Identity(sessionID, spec.ID)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Provider task panicked",
				zap.String("provider", spec.ID),
				zap.String("identity", identity),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = &pipeline.Result{
				ProviderID: spec.ID,
				Identity:   identity,
				Question:   question,
				Status:     pipeline.StatusFault,
				Error:      fmt.Sprintf("provider task panicked: %v", r),
			}
			res.Answer = pipeline.Describe(res)
		}
	}()

	res = spec.Pipeline.Run(ctx, pipeline.Request{
		SessionID:   sessionID,
		Question:    question,
		Identity:    identity,
		Temperature: spec.Temperature,
	})
	if res == nil {
		res = &pipeline.Result{
			ProviderID: spec.ID,
			Identity:   identity,
			Question:   question,
			Status:     pipeline.StatusFault,
			Error:      "provider task returned no result",
		}
		res.Answer = pipeline.Describe(res)
	}
	return res
}

func timedOutResult(spec ProviderSpec, sessionID, question string, wall time.Duration) *ProviderResult {
	res := pipeline.Result{
		ProviderID: spec.ID,
		Identity:   Identity(sessionID, spec.ID),
		Question:   question,
		Status:     pipeline.StatusTimeout,
		Error:      fmt.Sprintf("no result within %s", wall.Round(time.Millisecond)),
	}
	res.Answer = pipeline.Describe(&res)
	return &ProviderResult{
		Result:      res,
		Temperature: spec.Temperature,
		DurationMs:  wall.Milliseconds(),
	}
}

func (o *Orchestrator) record(ctx context.Context, run *Run) {
	if o.opts.Recorder == nil {
		return
	}
	payload, err := json.Marshal(run)
	if err != nil {
		o.logger.Warn("Failed to encode comparison run", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	// saved even when the request was cancelled
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err = o.opts.Recorder.Save(saveCtx, runlog.Record{
		ID:                run.ID,
		SessionID:         run.SessionID,
		Question:          run.Question,
		WallClockMs:       run.TotalWallClockMs,
		EstimatedSerialMs: run.EstimatedSerialMs,
		TimeSavedMs:       run.TimeSavedMs,
		CreatedAt:         run.StartedAt,
		Payload:           payload,
	})
	if err != nil {
		o.logger.Warn("Failed to save comparison run", zap.String("run_id", run.ID), zap.Error(err))
	}
}
