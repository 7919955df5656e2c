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

package search

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/query"
)

// Executor sends finalized queries to one index pattern
type Executor struct {
	engine Engine
	index  string
	logger *zap.Logger
}

// NewExecutor creates an executor
func NewExecutor(engine Engine, index string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{engine: engine, index: index, logger: logger}
}

// Index returns the index pattern queries run against
func (e *Executor) Index() string {
	return e.index
}

// FieldNames lists the fields of the executor's index
func (e *Executor) FieldNames(ctx context.Context) ([]string, error) {
	return e.engine.FieldNames(ctx, e.index)
}

// Execute runs tree once and classifies the result. Failures are returned as
// EngineError outcomes, never as errors.
func (e *Executor) Execute(ctx context.Context, tree map[string]any) Outcome {
	body, err := query.Canonical(tree)
	if err != nil {
		return FailedOutcome(err)
	}

	start := time.Now()
	payload, err := e.engine.Search(ctx, e.index, body)
	if err != nil {
		outcome := FailedOutcome(err)
		e.logger.Warn("Query execution failed",
			zap.String("index", e.index),
			zap.String("reason", string(outcome.Reason)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return outcome
	}

	outcome := Classify(payload)
	e.logger.Debug("Query executed",
		zap.String("index", e.index),
		zap.String("kind", string(outcome.Kind)),
		zap.Int("hits", outcome.HitCount),
		zap.Int64("total", outcome.TotalHits),
		zap.Bool("aggregations", outcome.HasAggregations),
		zap.Duration("duration", time.Since(start)))
	return outcome
}
