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

package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/openai"
	"github.com/your-org/logquery-assistant/internal/query"
)

// Completer is the completion provider a synthesizer calls
type Completer interface {
	ID() string
	Complete(ctx context.Context, req openai.CompletionRequest) (*openai.CompletionResponse, error)
}

// GenerationFailure is returned when the provider call fails or its output is
// not exactly one JSON object.
type GenerationFailure struct {
	ProviderID string
	Raw        string
	Err        error
}

func (e *GenerationFailure) Error() string {
	if e.Raw == "" {
		return fmt.Sprintf("query generation failed (provider %s): %v", e.ProviderID, e.Err)
	}
	return fmt.Sprintf("provider %s returned an unusable query: %v", e.ProviderID, e.Err)
}

func (e *GenerationFailure) Unwrap() error {
	return e.Err
}

// Synthesizer turns prompts into candidate queries with one provider call each
type Synthesizer struct {
	provider Completer
	logger   *zap.Logger
}

// NewSynthesizer creates a synthesizer for provider
func NewSynthesizer(provider Completer, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{provider: provider, logger: logger}
}

// ProviderID returns the id of the underlying provider
func (s *Synthesizer) ProviderID() string {
	return s.provider.ID()
}

// Synthesize calls the provider exactly once under identity and parses the
// reply into a candidate.
func (s *Synthesizer) Synthesize(ctx context.Context, prompt Prompt, identity string, temperature float32) (*query.Candidate, error) {
	start := time.Now()
	resp, err := s.provider.Complete(ctx, openai.CompletionRequest{
		System:      prompt.System,
		User:        prompt.User,
		Identity:    identity,
		Temperature: temperature,
	})
	latency := time.Since(start)
	if err != nil {
		s.logger.Warn("Query generation failed",
			zap.String("provider", s.provider.ID()),
			zap.String("identity", identity),
			zap.Error(err))
		return nil, &GenerationFailure{ProviderID: s.provider.ID(), Err: err}
	}

	raw := strings.TrimSpace(resp.Content)
	tree, err := query.Parse(query.FixJSONText(query.StripFences(raw)))
	if err != nil {
		s.logger.Warn("Provider output is not a single JSON object",
			zap.String("provider", s.provider.ID()),
			zap.String("identity", identity),
			zap.Int("output_length", len(raw)),
			zap.Error(err))
		return nil, &GenerationFailure{ProviderID: s.provider.ID(), Raw: raw, Err: err}
	}

	s.logger.Debug("Candidate query generated",
		zap.String("provider", s.provider.ID()),
		zap.String("identity", identity),
		zap.Duration("duration", latency))

	return &query.Candidate{
		Tree:              tree,
		Raw:               raw,
		ProviderID:        s.provider.ID(),
		Identity:          identity,
		GenerationLatency: latency,
	}, nil
}

// Respond asks the provider for a free-text answer
func (s *Synthesizer) Respond(ctx context.Context, prompt Prompt, identity string, temperature float32) (string, error) {
	resp, err := s.provider.Complete(ctx, openai.CompletionRequest{
		System:      prompt.System,
		User:        prompt.User,
		Identity:    identity,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("response composition failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
