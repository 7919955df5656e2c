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

// Package app wires configuration into the pipelines, the comparison
// orchestrator and their stores. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/comparison"
	"github.com/your-org/logquery-assistant/internal/config"
	"github.com/your-org/logquery-assistant/internal/conversation"
	"github.com/your-org/logquery-assistant/internal/examples"
	"github.com/your-org/logquery-assistant/internal/health"
	"github.com/your-org/logquery-assistant/internal/history"
	"github.com/your-org/logquery-assistant/internal/metrics"
	"github.com/your-org/logquery-assistant/internal/openai"
	"github.com/your-org/logquery-assistant/internal/pipeline"
	"github.com/your-org/logquery-assistant/internal/query"
	"github.com/your-org/logquery-assistant/internal/runlog"
	"github.com/your-org/logquery-assistant/internal/search"
	"github.com/your-org/logquery-assistant/internal/synth"
)

// MemoryWindow is the number of messages a provider keeps per identity
const MemoryWindow = 10

// Version is reported by the health endpoint
const Version = "1.0.0"

// HealthCheckTimeout bounds one health report
const HealthCheckTimeout = 3 * time.Second

// ErrUnknownProvider is returned when a selection names a provider that has no
// client
var ErrUnknownProvider = errors.New("provider is not configured")

// ProviderSelection names the providers behind the chat pipeline
type ProviderSelection struct {
	Query    string `json:"query_provider"`
	Response string `json:"response_provider"`
}

func selectionFrom(cfg *config.Config) ProviderSelection {
	return ProviderSelection{Query: cfg.Pipeline.QueryProvider, Response: cfg.Pipeline.ResponseProvider}
}

// ProviderInfo describes one configured provider
type ProviderInfo struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

// App owns every long-lived component of the service
type App struct {
	logger   *zap.Logger
	search   *search.Client
	executor *search.Executor
	catalog  *synth.Catalog
	history  history.Store
	runLog   *runlog.Store
	metrics  *metrics.Collector
	health   *health.Manager
	clients  []*openai.Client

	// rebuildMu serializes reloads and provider switches
	rebuildMu sync.Mutex

	mu           sync.RWMutex
	cfg          *config.Config
	library      *examples.Library
	selection    ProviderSelection
	chat         *pipeline.Pipeline
	orchestrator *comparison.Orchestrator
	// retired holds replaced orchestrators that still have tasks running
	retired []*comparison.Orchestrator
}

// New builds the service from cfg. Components that fail to start are closed
// again before the error is returned.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger, cfg: cfg}
	if err := a.init(ctx, cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg *config.Config) error {
	a.metrics = metrics.NewCollector(a.logger, func(alertType, message string, details map[string]interface{}) {
		a.logger.Warn("Pipeline alert",
			zap.String("type", alertType),
			zap.String("message", message),
			zap.Any("details", details))
	})

	client, err := search.NewClient(search.ClientConfig{
		URL:                cfg.Elasticsearch.URL,
		APIKey:             cfg.Elasticsearch.APIKey,
		InsecureSkipVerify: cfg.Elasticsearch.InsecureSkipVerify,
		Timeout:            cfg.Elasticsearch.Timeout,
		MaxRetries:         cfg.Elasticsearch.MaxRetries,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create search client: %w", err)
	}
	a.search = client
	a.executor = search.NewExecutor(client, cfg.Elasticsearch.Index, a.logger)

	catalog, err := synth.LoadCatalog(cfg.Pipeline.SchemaDir, cfg.Elasticsearch.Index)
	if err != nil {
		a.logger.Warn("Some schema hint files could not be loaded", zap.Error(err))
	}
	a.catalog = catalog

	a.history, err = history.New(ctx, history.Config{
		Backend:  cfg.History.Backend,
		DBPath:   cfg.History.DBPath,
		RedisURL: cfg.History.RedisURL,
		MaxTurns: cfg.History.MaxTurns,
	}, a.logger)
	if err != nil {
		return err
	}

	if cfg.RunLog.Enabled {
		a.runLog, err = runlog.NewStore(cfg.RunLog.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open run log: %w", err)
		}
	}

	if err := a.initProviders(cfg); err != nil {
		return err
	}

	a.library = loadLibrary(cfg.Pipeline.ExamplesDir, a.logger)
	if err := a.rebuild(cfg, a.library, selectionFrom(cfg)); err != nil {
		return err
	}

	a.health = health.NewManager("logquery-server", Version, a.logger)
	a.health.SetTimeout(HealthCheckTimeout)
	a.health.AddChecker("elasticsearch", health.SearchEngineChecker(a.search, cfg.Elasticsearch.Index))
	for _, c := range a.clients {
		a.health.AddChecker("provider_"+c.ID(), health.ProviderChecker(c))
	}
	if pinger, ok := a.history.(interface{ Ping(context.Context) error }); ok {
		a.health.AddChecker("history", health.StoreChecker("history", pinger.Ping))
	}
	if a.runLog != nil {
		a.health.AddChecker("runlog", health.StoreChecker("runlog", a.runLog.Ping))
	}

	a.logger.Info("Application initialized",
		zap.String("index", cfg.Elasticsearch.Index),
		zap.Int("examples", a.library.Len()),
		zap.Int("providers", len(a.clients)),
		zap.String("query_provider", cfg.Pipeline.QueryProvider),
		zap.String("response_provider", cfg.Pipeline.ResponseProvider),
		zap.Bool("runlog", a.runLog != nil))
	return nil
}

func (a *App) initProviders(cfg *config.Config) error {
	specs := []struct {
		id  string
		pc  config.ProviderConfig
		req bool
	}{
		{config.ProviderOpenAI, cfg.Providers.OpenAI, true},
		{config.ProviderOpenRouter, cfg.Providers.OpenRouter, false},
	}
	for _, s := range specs {
		if s.pc.APIKey == "" {
			if s.req {
				return fmt.Errorf("provider %s has no API key", s.id)
			}
			a.logger.Warn("Provider disabled, no API key configured", zap.String("provider", s.id))
			continue
		}
		c, err := openai.NewClient(openai.ClientConfig{
			ProviderID:       s.id,
			APIKey:           s.pc.APIKey,
			BaseURL:          s.pc.BaseURL,
			Model:            s.pc.Model,
			MaxTokens:        s.pc.MaxTokens,
			MemoryWindow:     MemoryWindow,
			MemoryIdentities: cfg.Pipeline.MemoryIdentities,
			MemoryTTL:        cfg.Pipeline.MemoryTTL,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create provider %s: %w", s.id, err)
		}
		a.clients = append(a.clients, c)
	}
	return nil
}

func (a *App) client(id string) (*openai.Client, error) {
	for _, c := range a.clients {
		if c.ID() == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
}

// rebuild creates fresh pipelines and a fresh orchestrator over library. The
// chat pipeline generates with sel.Query and answers with sel.Response; each
// comparison pipeline uses its own provider for both.
func (a *App) rebuild(cfg *config.Config, library *examples.Library, sel ProviderSelection) error {
	generator, err := a.client(sel.Query)
	if err != nil {
		return fmt.Errorf("query provider: %w", err)
	}
	responder, err := a.client(sel.Response)
	if err != nil {
		return fmt.Errorf("response provider: %w", err)
	}

	matcher := examples.NewMatcher(library, cfg.Pipeline.ExampleCap, a.logger)
	convo := conversation.NewEngine(a.history, a.logger)
	optimizer := query.NewOptimizer(a.logger)
	build := func(gen, resp *openai.Client) (*pipeline.Pipeline, error) {
		p, err := pipeline.New(pipeline.Dependencies{
			Synthesizer:     synth.NewSynthesizer(gen, a.logger),
			Responder:       synth.NewSynthesizer(resp, a.logger),
			Executor:        a.executor,
			Matcher:         matcher,
			Conversation:    convo,
			Catalog:         a.catalog,
			Optimizer:       optimizer,
			Metrics:         a.metrics,
			Memory:          gen,
			Location:        cfg.Location(),
			ComposeResponse: cfg.Pipeline.ComposeResponse,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build pipeline for %s: %w", gen.ID(), err)
		}
		return p, nil
	}

	chat, err := build(generator, responder)
	if err != nil {
		return err
	}

	var specs []comparison.ProviderSpec
	for _, c := range a.clients {
		p, err := build(c, c)
		if err != nil {
			return err
		}
		specs = append(specs, comparison.ProviderSpec{
			ID:          c.ID(),
			Temperature: float32(temperature(cfg, c.ID())),
			Pipeline:    p,
		})
	}

	var recorder comparison.Recorder
	if a.runLog != nil {
		recorder = a.runLog
	}
	orch, err := comparison.NewOrchestrator(specs, comparison.Options{
		Timeout:  cfg.Comparison.Timeout,
		Metrics:  a.metrics,
		Recorder: recorder,
	}, a.logger)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.cfg = cfg
	a.library = library
	a.selection = sel
	a.chat = chat
	if a.orchestrator != nil {
		a.retired = append(a.retired, a.orchestrator)
	}
	a.orchestrator = orch
	a.retired = busyOnly(a.retired)
	a.mu.Unlock()
	return nil
}

func busyOnly(orchestrators []*comparison.Orchestrator) []*comparison.Orchestrator {
	kept := orchestrators[:0]
	for _, orch := range orchestrators {
		if orch.Busy() {
			kept = append(kept, orch)
		}
	}
	for i := len(kept); i < len(orchestrators); i++ {
		orchestrators[i] = nil
	}
	return kept
}

func temperature(cfg *config.Config, providerID string) float64 {
	if providerID == config.ProviderOpenRouter {
		return cfg.Providers.OpenRouter.Temperature
	}
	return cfg.Providers.OpenAI.Temperature
}

// Reload applies a changed configuration: the example library is read again
// and the pipelines and orchestrator are rebuilt. Connections and stores are
// kept; changing them needs a restart. A provider switch made at runtime
// survives reloads that leave the configured providers unchanged.
func (a *App) Reload(cfg *config.Config) error {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	a.mu.RLock()
	prev, sel := a.cfg, a.selection
	a.mu.RUnlock()
	if prev == nil || selectionFrom(prev) != selectionFrom(cfg) {
		sel = selectionFrom(cfg)
	}

	library := loadLibrary(cfg.Pipeline.ExamplesDir, a.logger)
	if err := a.rebuild(cfg, library, sel); err != nil {
		return fmt.Errorf("failed to apply reloaded config: %w", err)
	}
	a.logger.Info("Configuration reloaded",
		zap.Int("examples", library.Len()),
		zap.String("query_provider", sel.Query),
		zap.String("response_provider", sel.Response),
		zap.Duration("comparison_timeout", cfg.Comparison.Timeout))
	return nil
}

// SwitchProviders changes the providers behind the chat pipeline. Empty
// fields keep the current choice.
func (a *App) SwitchProviders(next ProviderSelection) (ProviderSelection, error) {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	a.mu.RLock()
	cfg, library, sel := a.cfg, a.library, a.selection
	a.mu.RUnlock()
	if next.Query != "" {
		sel.Query = next.Query
	}
	if next.Response != "" {
		sel.Response = next.Response
	}

	if err := a.rebuild(cfg, library, sel); err != nil {
		return a.Selection(), err
	}
	a.logger.Info("Chat providers switched",
		zap.String("query_provider", sel.Query),
		zap.String("response_provider", sel.Response))
	return sel, nil
}

// ResetProviders returns the chat pipeline to the configured providers
func (a *App) ResetProviders() (ProviderSelection, error) {
	return a.SwitchProviders(selectionFrom(a.Config()))
}

// Selection returns the providers behind the chat pipeline
func (a *App) Selection() ProviderSelection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selection
}

// Providers lists the configured providers in registration order
func (a *App) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(a.clients))
	for _, c := range a.clients {
		out = append(out, ProviderInfo{ID: c.ID(), Model: c.Model()})
	}
	return out
}

func loadLibrary(dir string, logger *zap.Logger) *examples.Library {
	if dir == "" {
		return examples.NewLibrary(nil)
	}
	library, err := examples.LoadLibrary(dir)
	if err != nil {
		logger.Warn("Example library loaded with errors", zap.String("dir", dir), zap.Error(err))
	}
	if library == nil {
		library = examples.NewLibrary(nil)
	}
	return library
}

// Config returns the configuration in effect
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Chat returns the single-provider pipeline
func (a *App) Chat() *pipeline.Pipeline {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chat
}

// Orchestrator returns the comparison orchestrator
func (a *App) Orchestrator() *comparison.Orchestrator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.orchestrator
}

// Library returns the example library in effect
func (a *App) Library() *examples.Library {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.library
}

// Ask runs question through the single-provider pipeline and records the
// exchange in the session history.
func (a *App) Ask(ctx context.Context, sessionID, question string) *pipeline.Result {
	a.mu.RLock()
	chat, cfg := a.chat, a.cfg
	a.mu.RUnlock()

	res := chat.Run(ctx, pipeline.Request{
		SessionID:   sessionID,
		Question:    question,
		Temperature: float32(temperature(cfg, chat.ProviderID())),
	})
	a.remember(ctx, sessionID, question, res.Answer)
	return res
}

// Compare runs question against every provider. The query provider's answer,
// or the first provider's when it is absent, is recorded in the history.
func (a *App) Compare(ctx context.Context, sessionID, question string) *comparison.Run {
	run := a.Orchestrator().Compare(ctx, sessionID, question)

	var answer string
	if res, ok := run.Providers[a.Selection().Query]; ok {
		answer = res.Answer
	} else if ids := run.ProviderIDs(); len(ids) > 0 {
		answer = run.Providers[ids[0]].Answer
	}
	a.remember(ctx, sessionID, question, answer)
	return run
}

func (a *App) remember(ctx context.Context, sessionID, question, answer string) {
	if sessionID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := time.Now()
	turns := []history.Turn{{Role: history.RoleUser, Content: question, Timestamp: now}}
	if answer != "" {
		turns = append(turns, history.Turn{Role: history.RoleAssistant, Content: answer, Timestamp: now})
	}
	for _, turn := range turns {
		if err := a.history.Append(ctx, sessionID, turn); err != nil {
			a.logger.Warn("Failed to append history turn",
				zap.String("session_id", sessionID),
				zap.String("role", string(turn.Role)),
				zap.Error(err))
			return
		}
	}
}

// History returns the session history store
func (a *App) History() history.Store { return a.history }

// RunLog returns the run log, nil when disabled
func (a *App) RunLog() *runlog.Store { return a.runLog }

// Metrics returns the metrics collector
func (a *App) Metrics() *metrics.Collector { return a.metrics }

// Health returns the health manager
func (a *App) Health() *health.Manager { return a.health }

// Close waits for in-flight comparisons, including ones started before a
// reload, and releases the stores.
func (a *App) Close() error {
	a.mu.RLock()
	orchestrators := append([]*comparison.Orchestrator{a.orchestrator}, a.retired...)
	a.mu.RUnlock()
	for _, orch := range orchestrators {
		if orch != nil {
			orch.Wait()
		}
	}
	var result *multierror.Error
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("history: %w", err))
		}
	}
	if a.runLog != nil {
		if err := a.runLog.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("runlog: %w", err))
		}
	}
	return result.ErrorOrNil()
}
