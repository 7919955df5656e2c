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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/metrics"
	"github.com/your-org/logquery-assistant/internal/query"
	"github.com/your-org/logquery-assistant/internal/search"
	"github.com/your-org/logquery-assistant/internal/synth"
)

// RepairTemperature is the decoding temperature of repair requests
const RepairTemperature float32 = 0.3

// RepairIdentityPrefix marks disposable repair identities
const RepairIdentityPrefix = "repair_"

// RepairResult is how a self-repair attempt ended
type RepairResult string

// Repair results
const (
	RepairExecuted         RepairResult = "executed"
	RepairInvalid          RepairResult = "invalid"
	RepairNoProgress       RepairResult = "no_progress"
	RepairGenerationFailed RepairResult = "generation_failed"
)

// RepairAttempt records the single self-repair of a run
type RepairAttempt struct {
	Identity      string            `json:"identity"`
	Reason        search.ErrorClass `json:"reason"`
	OriginalError string            `json:"original_error"`
	FailedQuery   string            `json:"failed_query"`
	Query         string            `json:"query,omitempty"`
	Issue         string            `json:"issue,omitempty"`
	Result        RepairResult      `json:"result"`
}

// selfRepair asks the provider once for a corrected query under a fresh
// identity and executes it at most once. Whatever happens is final.
func (p *Pipeline) selfRepair(ctx context.Context, question string, failed map[string]any, outcome search.Outcome, now time.Time, res *Result) {
	start := time.Now()
	identity := RepairIdentityPrefix + uuid.NewString()
	if p.deps.Memory != nil {
		defer p.deps.Memory.Forget(identity)
	}

	attempt := &RepairAttempt{
		Identity:      identity,
		Reason:        outcome.Reason,
		OriginalError: outcome.RawMessage,
		FailedQuery:   res.Query,
	}
	res.Repair = attempt
	res.Outcome = &outcome
	defer func() {
		p.deps.Metrics.RecordRepair(res.ProviderID, string(attempt.Reason), string(attempt.Result))
		p.deps.Metrics.ObserveStage(res.ProviderID, metrics.StageRepair, time.Since(start))
		p.logger.Info("Self-repair finished",
			zap.String("provider", res.ProviderID),
			zap.String("identity", identity),
			zap.String("reason", string(attempt.Reason)),
			zap.String("result", string(attempt.Result)),
			zap.Duration("duration", time.Since(start)))
	}()

	prompt := synth.BuildRepairPrompt(synth.RepairContext{
		Question:      question,
		PreviousQuery: res.Query,
		ErrorText:     errorDetails(outcome),
		Fields:        p.fieldCatalog(ctx),
		Now:           now,
	})

	genStart := time.Now()
	candidate, err := p.deps.Synthesizer.Synthesize(ctx, prompt, identity, RepairTemperature)
	p.observe(&res.Timings.GenerationMs, metrics.StageGeneration, time.Since(genStart))
	if err != nil {
		attempt.Result = RepairGenerationFailed
		attempt.Issue = err.Error()
		res.Status = StatusEngineError
		res.Error = outcome.RawMessage
		return
	}

	repaired := query.RepairStructure(candidate.Tree)
	if data, err := query.Canonical(repaired); err == nil {
		attempt.Query = string(data)
	}

	if verdict := query.Validate(repaired); !verdict.Valid {
		attempt.Result = RepairInvalid
		attempt.Issue = verdict.Issue
		res.Status = StatusValidationFailure
		res.Issue = verdict.Issue
		res.Error = outcome.RawMessage
		return
	}

	if query.Equal(repaired, failed) {
		attempt.Result = RepairNoProgress
		res.Status = StatusNoProgress
		res.Error = outcome.RawMessage
		return
	}

	attempt.Result = RepairExecuted
	candidate.WasRepaired = true
	candidate.StructureFixed = !query.Equal(repaired, candidate.Tree)
	res.Candidate = candidate
	res.Query = attempt.Query
	final := p.execute(ctx, repaired, res)
	p.settle(res, final)
}

// fieldCatalog lists the index's fields, falling back to the schema catalog
// when the engine cannot be asked.
func (p *Pipeline) fieldCatalog(ctx context.Context) []string {
	fields, err := p.deps.Executor.FieldNames(ctx)
	if err == nil && len(fields) > 0 {
		return fields
	}
	if err != nil {
		p.logger.Warn("Field catalog unavailable, using schema hints", zap.Error(err))
	}
	return p.deps.Catalog.Fields()
}

func errorDetails(outcome search.Outcome) string {
	return outcome.Reason.Description(outcome.RawMessage) + "\n" + outcome.RawMessage
}
