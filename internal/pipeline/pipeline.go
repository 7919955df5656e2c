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

// Package pipeline runs one question through query generation, structural
// repair, optimization and execution, with at most one self-repair when the
// engine rejects the query's shape.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/conversation"
	"github.com/your-org/logquery-assistant/internal/examples"
	"github.com/your-org/logquery-assistant/internal/metrics"
	"github.com/your-org/logquery-assistant/internal/query"
	"github.com/your-org/logquery-assistant/internal/search"
	"github.com/your-org/logquery-assistant/internal/synth"
)

// Status is the terminal state of one pipeline run
type Status string

// Pipeline statuses
const (
	StatusDataFound         Status = "DataFound"
	StatusNoData            Status = "NoData"
	StatusGenerationFailure Status = "GenerationFailure"
	StatusValidationFailure Status = "ValidationFailure"
	StatusEngineError       Status = "EngineError"
	StatusNoProgress        Status = "NoProgress"
	StatusTimeout           Status = "Timeout"
	// StatusFault is a provider task that crashed
	StatusFault Status = "Fault"
)

// Failed reports whether the status ends the run without an answer from data.
// NoData is a defined outcome, not a failure.
func (s Status) Failed() bool {
	return s != StatusDataFound && s != StatusNoData
}

// ResponseTemperature is used when the provider writes the final answer
const ResponseTemperature float32 = 0

// Timings splits a run's wall clock into its phases
type Timings struct {
	GenerationMs int64 `json:"generation_ms"`
	ExecutionMs  int64 `json:"execution_ms"`
	ResponseMs   int64 `json:"response_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// Request is one question to run
type Request struct {
	SessionID string
	Question  string
	// Identity scopes the provider's conversation memory. Empty means the
	// session id.
	Identity    string
	Temperature float32
}

// Result is the typed outcome of one run. Failures are reported here, never
// as errors or panics.
type Result struct {
	ProviderID string          `json:"provider_id"`
	Identity   string          `json:"identity"`
	Question   string          `json:"question"`
	Status     Status          `json:"status"`
	Category   query.Category  `json:"category,omitempty"`
	Rewrites   []string        `json:"rewrites,omitempty"`
	Query      string          `json:"query,omitempty"`
	Outcome    *search.Outcome `json:"outcome,omitempty"`
	Repair     *RepairAttempt  `json:"repair,omitempty"`
	Issue      string          `json:"issue,omitempty"`
	Error      string          `json:"error,omitempty"`
	Answer     string          `json:"answer"`
	Timings    Timings         `json:"timings"`

	// Candidate is the query as generated, before optimization. After a
	// successful self-repair it is the repaired query.
	Candidate *query.Candidate `json:"-"`
}

// Forgetter drops the provider memory kept for a conversation identity
type Forgetter interface {
	Forget(identity string)
}

// Dependencies are the collaborators of a pipeline. Synthesizer and Executor
// are required; the rest fall back to empty or default implementations.
type Dependencies struct {
	Synthesizer  *synth.Synthesizer
	Executor     *search.Executor
	Matcher      *examples.Matcher
	Conversation *conversation.Engine
	Catalog      *synth.Catalog
	Optimizer    *query.Optimizer
	Metrics      *metrics.Collector
	Memory       Forgetter
	Location     *time.Location
	// Responder writes the final answer. Nil means the Synthesizer's provider.
	Responder *synth.Synthesizer
	// ComposeResponse lets the provider write the final answer from the data
	ComposeResponse bool
	Now             func() time.Time
}

// Pipeline runs questions for one provider. It holds no per-request state and
// is safe for concurrent use.
type Pipeline struct {
	deps   Dependencies
	logger *zap.Logger
}

// New creates a pipeline
func New(deps Dependencies, logger *zap.Logger) (*Pipeline, error) {
	if deps.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Responder == nil {
		deps.Responder = deps.Synthesizer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Matcher == nil {
		deps.Matcher = examples.NewMatcher(examples.NewLibrary(nil), examples.DefaultCap, logger)
	}
	if deps.Conversation == nil {
		deps.Conversation = conversation.NewEngine(nil, logger)
	}
	if deps.Catalog == nil {
		deps.Catalog = synth.DefaultCatalog(deps.Executor.Index())
	}
	if deps.Optimizer == nil {
		deps.Optimizer = query.NewOptimizer(logger)
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{deps: deps, logger: logger}, nil
}

// ProviderID returns the id of the provider the pipeline generates with
func (p *Pipeline) ProviderID() string {
	return p.deps.Synthesizer.ProviderID()
}

// ResponderID returns the id of the provider that writes the final answers
func (p *Pipeline) ResponderID() string {
	return p.deps.Responder.ProviderID()
}

// Run answers one question. Steps run strictly in order: context, prompt,
// generation, structural repair, validation, optimization, execution and,
// for structural engine errors only, one self-repair.
func (p *Pipeline) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	identity := req.Identity
	if identity == "" {
		identity = req.SessionID
	}
	question := NormalizeQuestion(req.Question)
	res := &Result{
		ProviderID: p.ProviderID(),
		Identity:   identity,
		Question:   question,
	}
	defer func() {
		res.Timings.TotalMs = time.Since(start).Milliseconds()
		p.deps.Metrics.RecordResult(res.ProviderID, string(res.Status), res.Status.Failed())
		p.logger.Info("Pipeline run completed",
			zap.String("session_id", req.SessionID),
			zap.String("provider", res.ProviderID),
			zap.String("identity", identity),
			zap.String("status", string(res.Status)),
			zap.Int64("duration_ms", res.Timings.TotalMs))
	}()

	now := p.deps.Now().In(p.deps.Location)

	prompt := p.generationPrompt(ctx, question, req.SessionID, now)
	genStart := time.Now()
	candidate, err := p.deps.Synthesizer.Synthesize(ctx, prompt, identity, req.Temperature)
	p.observe(&res.Timings.GenerationMs, metrics.StageGeneration, time.Since(genStart))
	if err != nil {
		res.Status = StatusGenerationFailure
		res.Error = err.Error()
		res.Answer = Describe(res)
		return res
	}
	res.Candidate = candidate

	tree := query.RepairStructure(candidate.Tree)
	candidate.StructureFixed = !query.Equal(tree, candidate.Tree)
	if verdict := query.Validate(tree); !verdict.Valid {
		res.Status = StatusValidationFailure
		res.Issue = verdict.Issue
		res.Answer = Describe(res)
		return res
	}

	optimized := p.deps.Optimizer.Optimize(tree, question)
	res.Category = optimized.Category
	res.Rewrites = optimized.Applied
	finalJSON, err := optimized.JSON()
	if err != nil {
		res.Status = StatusValidationFailure
		res.Issue = "Invalid query JSON: " + err.Error()
		res.Answer = Describe(res)
		return res
	}
	res.Query = finalJSON

	outcome := p.execute(ctx, optimized.Tree, res)
	if outcome.Repairable() {
		p.selfRepair(ctx, question, optimized.Tree, outcome, now, res)
	} else {
		p.settle(res, outcome)
	}

	if !res.Status.Failed() {
		p.compose(ctx, res, identity, now)
	} else {
		res.Answer = Describe(res)
	}
	return res
}

func (p *Pipeline) generationPrompt(ctx context.Context, question, sessionID string, now time.Time) synth.Prompt {
	matches := p.deps.Matcher.FindRelevant(question)
	convo := p.deps.Conversation.Build(ctx, question, sessionID)
	return synth.BuildGenerationPrompt(synth.GenerationContext{
		Question:     question,
		Now:          now,
		Examples:     examples.Render(matches),
		Conversation: convo.Summary,
		Catalog:      p.deps.Catalog,
	})
}

func (p *Pipeline) execute(ctx context.Context, tree map[string]any, res *Result) search.Outcome {
	execStart := time.Now()
	outcome := p.deps.Executor.Execute(ctx, tree)
	p.observe(&res.Timings.ExecutionMs, metrics.StageExecution, time.Since(execStart))
	if outcome.Kind == search.EngineFault {
		p.deps.Metrics.RecordEngineError(string(outcome.Reason))
	}
	return outcome
}

// settle records a final execution outcome on the result
func (p *Pipeline) settle(res *Result, outcome search.Outcome) {
	res.Outcome = &outcome
	switch outcome.Kind {
	case search.DataFound:
		res.Status = StatusDataFound
	case search.NoData:
		res.Status = StatusNoData
	default:
		res.Status = StatusEngineError
		res.Error = outcome.RawMessage
	}
}

// compose writes the final answer. Provider failures fall back to the fixed
// descriptions so a data outcome is never turned into an error.
func (p *Pipeline) compose(ctx context.Context, res *Result, identity string, now time.Time) {
	if !p.deps.ComposeResponse {
		res.Answer = Describe(res)
		return
	}

	respStart := time.Now()
	prompt := synth.BuildResponsePrompt(synth.ResponseContext{
		Question: res.Question,
		LogData:  string(res.Outcome.Payload),
		Query:    res.Query,
		Now:      now,
	})
	answer, err := p.deps.Responder.Respond(ctx, prompt, identity, ResponseTemperature)
	p.observe(&res.Timings.ResponseMs, metrics.StageResponse, time.Since(respStart))
	if err != nil || answer == "" {
		p.logger.Warn("Response composition failed, using fixed description",
			zap.String("provider", p.ResponderID()),
			zap.String("identity", identity),
			zap.Error(err))
		res.Answer = Describe(res)
		return
	}
	res.Answer = answer
}

func (p *Pipeline) observe(total *int64, stage string, d time.Duration) {
	*total += d.Milliseconds()
	p.deps.Metrics.ObserveStage(p.ProviderID(), stage, d)
}
