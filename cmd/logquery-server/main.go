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

// Package main provides the HTTP service that turns firewall log questions
// into Elasticsearch queries and compares providers side by side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/logquery-assistant/internal/api"
	"github.com/your-org/logquery-assistant/internal/app"
	"github.com/your-org/logquery-assistant/internal/config"
)

const (
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout = 30 * time.Second
	// ReadHeaderTimeout protects against slow clients
	ReadHeaderTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration first to get logging settings
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initializeLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	masked := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("service", "logquery-server"),
		zap.String("environment", os.Getenv("ENVIRONMENT")),
		zap.String("elasticsearch_url", masked.Elasticsearch.URL),
		zap.String("index", masked.Elasticsearch.Index),
		zap.String("openai_model", masked.Providers.OpenAI.Model),
		zap.String("openai_api_key", masked.Providers.OpenAI.APIKey),
		zap.String("openrouter_model", masked.Providers.OpenRouter.Model),
		zap.String("openrouter_api_key", masked.Providers.OpenRouter.APIKey),
		zap.String("history_backend", masked.History.Backend),
		zap.Duration("comparison_timeout", masked.Comparison.Timeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("Failed to close application", zap.Error(err))
		}
	}()

	if err := config.WatchConfig(*configPath, func(next *config.Config) {
		if err := application.Reload(next); err != nil {
			logger.Error("Failed to reload configuration", zap.Error(err))
		}
	}, func(err error) {
		logger.Warn("Ignoring invalid configuration change", zap.Error(err))
	}); err != nil {
		logger.Warn("Configuration hot reload disabled", zap.Error(err))
	}

	// Set Gin mode based on log level
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), api.Recovery(logger))
	services := api.Services{
		Assistant: application,
		History:   application.History(),
		Providers: application,
		Health:    application.Health().Handler(),
		Metrics:   application.Metrics().Handler(),
	}
	if runs := application.RunLog(); runs != nil {
		services.Runs = runs
	}
	api.NewHandler(services, logger).RegisterRoutes(router)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting logquery server",
			zap.String("port", cfg.Server.Port),
			zap.String("index", cfg.Elasticsearch.Index))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// initializeLogger creates a logger based on configuration settings
func initializeLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{"logquery-server.log"}
		zapConfig.ErrorOutputPaths = []string{"logquery-server.log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	return zapConfig.Build()
}
