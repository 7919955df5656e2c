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

// Package api exposes the assistant over HTTP
package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/app"
	"github.com/your-org/logquery-assistant/internal/comparison"
	"github.com/your-org/logquery-assistant/internal/history"
	"github.com/your-org/logquery-assistant/internal/pipeline"
	"github.com/your-org/logquery-assistant/internal/resilience"
	"github.com/your-org/logquery-assistant/internal/runlog"
)

// MaxMessageLength bounds the accepted question size in bytes
const MaxMessageLength = 4000

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Assistant answers questions in single-provider and comparison mode
type Assistant interface {
	Ask(ctx context.Context, sessionID, question string) *pipeline.Result
	Compare(ctx context.Context, sessionID, question string) *comparison.Run
}

// RunStore reads persisted comparison runs
type RunStore interface {
	Get(ctx context.Context, id string) (*runlog.Record, error)
	ListRecent(ctx context.Context, opts runlog.ListOptions) ([]runlog.Record, error)
}

// ProviderSwitch selects the providers behind the chat endpoint
type ProviderSwitch interface {
	Providers() []app.ProviderInfo
	Selection() app.ProviderSelection
	SwitchProviders(next app.ProviderSelection) (app.ProviderSelection, error)
	ResetProviders() (app.ProviderSelection, error)
}

// Services are the components the handlers serve. Runs, Providers, Health
// and Metrics are optional; their routes are not registered when nil.
type Services struct {
	Assistant Assistant
	History   history.Store
	Runs      RunStore
	Providers ProviderSwitch
	Health    gin.HandlerFunc
	Metrics   http.Handler
}

// Handler serves the HTTP API
type Handler struct {
	services Services
	errors   *resilience.ErrorHandler
	logger   *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(services Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{services: services, errors: resilience.NewErrorHandler(logger), logger: logger}
}

// AskRequest is the body of the chat and compare endpoints
type AskRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
}

// ChatResponse wraps a pipeline result with the session it ran in
type ChatResponse struct {
	SessionID string `json:"session_id"`
	*pipeline.Result
}

// HistoryResponse lists a session's turns, most recent first
type HistoryResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []history.Turn `json:"turns"`
}

// ProvidersResponse lists the configured providers and the chat selection
type ProvidersResponse struct {
	Providers []app.ProviderInfo `json:"providers"`
	app.ProviderSelection
}

// RegisterRoutes registers the API routes with the Gin router
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	if h.services.Health != nil {
		router.GET("/health", h.services.Health)
	}
	if h.services.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.services.Metrics))
	}

	api := router.Group("/api/v1")
	{
		api.POST("/chat", h.chat)
		api.POST("/compare", h.compare)
		api.GET("/sessions/:id/history", h.getHistory)
		api.DELETE("/sessions/:id/history", h.clearHistory)
		if h.services.Runs != nil {
			api.GET("/runs", h.listRuns)
			api.GET("/runs/:id", h.getRun)
		}
		if h.services.Providers != nil {
			api.GET("/providers", h.getProviders)
			api.PUT("/providers", h.switchProviders)
			api.POST("/providers/reset", h.resetProviders)
		}
	}
}

// chat handles POST /api/v1/chat
func (h *Handler) chat(c *gin.Context) {
	req, ok := h.bindAsk(c)
	if !ok {
		return
	}

	res := h.services.Assistant.Ask(c.Request.Context(), req.SessionID, req.Message)
	h.logger.Info("Chat request completed",
		zap.String("session_id", req.SessionID),
		zap.String("status", string(res.Status)),
		zap.Int64("total_ms", res.Timings.TotalMs))

	c.JSON(http.StatusOK, ChatResponse{SessionID: req.SessionID, Result: res})
}

// compare handles POST /api/v1/compare
func (h *Handler) compare(c *gin.Context) {
	req, ok := h.bindAsk(c)
	if !ok {
		return
	}

	run := h.services.Assistant.Compare(c.Request.Context(), req.SessionID, req.Message)
	h.logger.Info("Comparison request completed",
		zap.String("session_id", req.SessionID),
		zap.String("run_id", run.ID),
		zap.Int64("wall_clock_ms", run.TotalWallClockMs))

	c.JSON(http.StatusOK, run)
}

func (h *Handler) bindAsk(c *gin.Context) (AskRequest, bool) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, resilience.NewBadRequestError("Invalid request format: message is required", err))
		return req, false
	}
	if len(req.Message) > MaxMessageLength {
		h.fail(c, resilience.NewBadRequestError("Message is too long", nil))
		return req, false
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	} else if !sessionIDPattern.MatchString(req.SessionID) {
		h.fail(c, resilience.NewBadRequestError("Invalid session ID format", nil))
		return req, false
	}
	return req, true
}

// getHistory handles GET /api/v1/sessions/:id/history
func (h *Handler) getHistory(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	turns, err := h.services.History.Recent(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.fail(c, h.errors.WrapError(err, "reading session history"))
		return
	}
	if turns == nil {
		turns = []history.Turn{}
	}

	c.JSON(http.StatusOK, HistoryResponse{SessionID: sessionID, Turns: turns})
}

// clearHistory handles DELETE /api/v1/sessions/:id/history
func (h *Handler) clearHistory(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}

	if err := h.services.History.Clear(c.Request.Context(), sessionID); err != nil {
		h.fail(c, h.errors.WrapError(err, "clearing session history"))
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) sessionParam(c *gin.Context) (string, bool) {
	sessionID := c.Param("id")
	if !sessionIDPattern.MatchString(sessionID) {
		h.fail(c, resilience.NewBadRequestError("Invalid session ID format", nil))
		return "", false
	}
	return sessionID, true
}

// listRuns handles GET /api/v1/runs
func (h *Handler) listRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(runlog.DefaultListLimit)))
	if err != nil || limit <= 0 {
		h.fail(c, resilience.NewBadRequestError("limit must be a positive integer", err))
		return
	}

	records, err := h.services.Runs.ListRecent(c.Request.Context(), runlog.ListOptions{
		SessionID: c.Query("session_id"),
		Limit:     limit,
	})
	if err != nil {
		h.fail(c, h.errors.WrapError(err, "listing comparison runs"))
		return
	}
	if records == nil {
		records = []runlog.Record{}
	}

	c.JSON(http.StatusOK, gin.H{"runs": records, "count": len(records)})
}

// getRun handles GET /api/v1/runs/:id
func (h *Handler) getRun(c *gin.Context) {
	record, err := h.services.Runs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, runlog.ErrNotFound) {
		h.fail(c, resilience.NewNotFoundError("Comparison run not found", err))
		return
	}
	if err != nil {
		h.fail(c, h.errors.WrapError(err, "reading comparison run"))
		return
	}

	c.JSON(http.StatusOK, record)
}

// getProviders handles GET /api/v1/providers
func (h *Handler) getProviders(c *gin.Context) {
	c.JSON(http.StatusOK, h.providersResponse(h.services.Providers.Selection()))
}

// switchProviders handles PUT /api/v1/providers
func (h *Handler) switchProviders(c *gin.Context) {
	var next app.ProviderSelection
	if err := c.ShouldBindJSON(&next); err != nil {
		h.fail(c, resilience.NewBadRequestError("Invalid request format", err))
		return
	}
	if next.Query == "" && next.Response == "" {
		h.fail(c, resilience.NewBadRequestError("query_provider or response_provider is required", nil))
		return
	}

	sel, err := h.services.Providers.SwitchProviders(next)
	if errors.Is(err, app.ErrUnknownProvider) {
		h.fail(c, resilience.NewBadRequestError(err.Error(), err))
		return
	}
	if err != nil {
		h.fail(c, h.errors.WrapError(err, "switching providers"))
		return
	}

	c.JSON(http.StatusOK, h.providersResponse(sel))
}

// resetProviders handles POST /api/v1/providers/reset
func (h *Handler) resetProviders(c *gin.Context) {
	sel, err := h.services.Providers.ResetProviders()
	if err != nil {
		h.fail(c, h.errors.WrapError(err, "resetting providers"))
		return
	}
	c.JSON(http.StatusOK, h.providersResponse(sel))
}

func (h *Handler) providersResponse(sel app.ProviderSelection) ProvidersResponse {
	return ProvidersResponse{Providers: h.services.Providers.Providers(), ProviderSelection: sel}
}

// Recovery turns handler panics into a logged 500 with the standard error body
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("Handler panicked",
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered))
		err := resilience.NewInternalError("An unexpected error occurred. Please try again.", nil)
		c.AbortWithStatusJSON(err.StatusCode, err.ToErrorResponse(c.GetHeader("X-Request-ID")))
	})
}

func (h *Handler) fail(c *gin.Context, err *resilience.ServiceError) {
	if err.StatusCode < http.StatusInternalServerError {
		h.logger.Debug("Rejected request",
			zap.String("path", c.FullPath()),
			zap.String("code", string(err.Code)),
			zap.Error(err.Internal))
	}
	c.AbortWithStatusJSON(err.StatusCode, err.ToErrorResponse(c.GetHeader("X-Request-ID")))
}
