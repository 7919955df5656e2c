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

// Package metrics records pipeline and comparison metrics as Prometheus
// collectors and keeps a small in-process summary used for alerting.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "logquery"

// Pipeline stages
const (
	StageGeneration = "generation"
	StageExecution  = "execution"
	StageRepair     = "repair"
	StageResponse   = "response"
)

// AlertingConfig defines thresholds for alerting
type AlertingConfig struct {
	FailureRateThreshold float64       `json:"failure_rate_threshold"`
	MinRequests          int64         `json:"min_requests"`
	SlowRequest          time.Duration `json:"slow_request"`
}

// Summary is a point-in-time view of the recorded outcomes
type Summary struct {
	TotalRequests  int64            `json:"total_requests"`
	ByStatus       map[string]int64 `json:"by_status"`
	Repairs        int64            `json:"repairs"`
	Comparisons    int64            `json:"comparisons"`
	AvgTimeSavedMs float64          `json:"average_time_saved_ms"`
	FailureRate    float64          `json:"failure_rate"`
	LastReset      time.Time        `json:"last_reset"`
}

// Collector owns the Prometheus collectors of the service
type Collector struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	repairs         *prometheus.CounterVec
	providerErrors  *prometheus.CounterVec
	comparisonWall  prometheus.Histogram
	comparisonSaved prometheus.Histogram
	timeouts        *prometheus.CounterVec

	mu            sync.Mutex
	summary       Summary
	failures      int64
	alerting      AlertingConfig
	logger        *zap.Logger
	alertCallback func(string, string, map[string]interface{})
}

// NewCollector creates a collector with its own registry. alertCallback may
// be nil.
func NewCollector(logger *zap.Logger, alertCallback func(string, string, map[string]interface{})) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "stage"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_results_total",
				Help:      "Pipeline results by final status",
			},
			[]string{"provider", "status"},
		),
		repairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "self_repairs_total",
				Help:      "Self-repair attempts by error class and result",
			},
			[]string{"provider", "reason", "result"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Search engine errors by class",
			},
			[]string{"reason"},
		),
		comparisonWall: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "comparison_wall_clock_seconds",
			Help:      "Wall clock duration of provider comparisons",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
		comparisonSaved: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "comparison_time_saved_seconds",
			Help:      "Time saved by running providers concurrently",
			Buckets:   []float64{0, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "comparison_timeouts_total",
				Help:      "Provider results discarded after the comparison ceiling",
			},
			[]string{"provider"},
		),
		summary: Summary{ByStatus: make(map[string]int64), LastReset: time.Now()},
		alerting: AlertingConfig{
			FailureRateThreshold: 0.5,
			MinRequests:          10,
			SlowRequest:          60 * time.Second,
		},
		logger:        logger,
		alertCallback: alertCallback,
	}

	c.registry.MustRegister(
		c.stageDuration,
		c.outcomes,
		c.repairs,
		c.providerErrors,
		c.comparisonWall,
		c.comparisonSaved,
		c.timeouts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collectors are registered with
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveStage records the duration of one pipeline stage
func (c *Collector) ObserveStage(provider, stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(provider, stage).Observe(d.Seconds())
	if d > c.alerting.SlowRequest {
		c.triggerAlert("SLOW_STAGE", "Pipeline stage exceeded the slow request threshold", map[string]interface{}{
			"provider": provider,
			"stage":    stage,
			"duration": d.String(),
		})
	}
}

// RecordResult records the final status of one pipeline run
func (c *Collector) RecordResult(provider, status string, failed bool) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(provider, status).Inc()

	c.mu.Lock()
	c.summary.TotalRequests++
	c.summary.ByStatus[status]++
	if failed {
		c.failures++
	}
	c.summary.FailureRate = float64(c.failures) / float64(c.summary.TotalRequests)
	alert := c.summary.TotalRequests >= c.alerting.MinRequests && c.summary.FailureRate > c.alerting.FailureRateThreshold
	rate := c.summary.FailureRate
	c.mu.Unlock()

	if alert {
		c.triggerAlert("PIPELINE_FAILURE_RATE", "Pipeline failure rate exceeded threshold", map[string]interface{}{
			"failure_rate": rate,
			"threshold":    c.alerting.FailureRateThreshold,
			"provider":     provider,
		})
	}
}

// RecordEngineError counts a classified engine error
func (c *Collector) RecordEngineError(reason string) {
	if c == nil {
		return
	}
	c.providerErrors.WithLabelValues(reason).Inc()
}

// RecordRepair counts one self-repair attempt
func (c *Collector) RecordRepair(provider, reason, result string) {
	if c == nil {
		return
	}
	c.repairs.WithLabelValues(provider, reason, result).Inc()
	c.mu.Lock()
	c.summary.Repairs++
	c.mu.Unlock()
}

// RecordComparison records a finished comparison run
func (c *Collector) RecordComparison(wallClock, saved time.Duration, timedOut []string) {
	if c == nil {
		return
	}
	c.comparisonWall.Observe(wallClock.Seconds())
	if saved > 0 {
		c.comparisonSaved.Observe(saved.Seconds())
	}
	for _, provider := range timedOut {
		c.timeouts.WithLabelValues(provider).Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Comparisons++
	n := float64(c.summary.Comparisons)
	c.summary.AvgTimeSavedMs += (float64(saved.Milliseconds()) - c.summary.AvgTimeSavedMs) / n
}

// Summary returns a copy of the in-process summary
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.summary
	out.ByStatus = make(map[string]int64, len(c.summary.ByStatus))
	for k, v := range c.summary.ByStatus {
		out.ByStatus[k] = v
	}
	return out
}

// Reset clears the in-process summary. Prometheus counters are not reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = Summary{ByStatus: make(map[string]int64), LastReset: time.Now()}
	c.failures = 0
}

func (c *Collector) triggerAlert(alertType, message string, details map[string]interface{}) {
	c.logger.Warn("Metrics alert triggered",
		zap.String("alert_type", alertType),
		zap.String("message", message),
		zap.Any("details", details))
	if c.alertCallback != nil {
		c.alertCallback(alertType, message, details)
	}
}
