package metrics

/*
gareplay — replay recorded web traffic itineraries in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     atomic.Bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the application
type Metrics struct {
	// Dispatch metrics
	DispatchesTotal   *prometheus.CounterVec
	DispatchFailures  *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	RateLimitDelay    prometheus.Histogram
	JournalWriteFails prometheus.Counter

	// Scheduler metrics
	MinuteStartLag    prometheus.Gauge
	MinuteLagSeconds  prometheus.Histogram
	MinutesCompleted  prometheus.Counter
	BucketsDispatched prometheus.Counter
	ReplayState       *prometheus.GaugeVec

	// Worker pool metrics
	PoolQueueDepth prometheus.Gauge
	WorkerBusy     prometheus.Gauge
	WorkerPanics   prometheus.Counter

	// Analytics API metrics
	AnalyticsRequestsTotal   *prometheus.CounterVec
	AnalyticsRequestDuration prometheus.Histogram
	AnalyticsRetriesTotal    prometheus.Counter
	AnalyticsCacheHits       *prometheus.CounterVec
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled.Store(true)
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// Registry returns the private registry all metrics are registered on.
func Registry() *prometheus.Registry {
	return registry
}

func newMetrics() *Metrics {
	buckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	lagBuckets := []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30, 60, 300}

	return &Metrics{
		DispatchesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gareplay_dispatches_total",
				Help: "Total number of dispatched pageviews",
			},
			[]string{"action", "status"},
		),
		DispatchFailures: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gareplay_dispatch_failures_total",
				Help: "Total number of contained dispatch failures",
			},
			[]string{"action", "error_type"},
		),
		DispatchDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gareplay_dispatch_duration_seconds",
				Help:    "Time spent in the request action",
				Buckets: buckets,
			},
			[]string{"action"},
		),
		RateLimitDelay: defaultRegisterer.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gareplay_rate_limit_delay_seconds",
				Help:    "Time dispatches spent waiting on the per-destination rate cap",
				Buckets: buckets,
			},
		),
		JournalWriteFails: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "gareplay_journal_write_errors_total",
				Help: "Total number of dispatch journal lines that could not be written",
			},
		),

		MinuteStartLag: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "gareplay_minute_start_lag_seconds",
				Help: "How late the most recent minute started relative to its anchored target",
			},
		),
		MinuteLagSeconds: defaultRegisterer.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gareplay_minute_lag_seconds",
				Help:    "Distribution of minute start lag",
				Buckets: lagBuckets,
			},
		),
		MinutesCompleted: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "gareplay_minutes_completed_total",
				Help: "Total number of itinerary minutes replayed",
			},
		),
		BucketsDispatched: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "gareplay_buckets_dispatched_total",
				Help: "Total number of sub-minute buckets dispatched",
			},
		),
		ReplayState: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gareplay_replay_state",
				Help: "1 for the scheduler state the replay is currently in",
			},
			[]string{"state"},
		),

		PoolQueueDepth: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "gareplay_pool_queue_depth",
				Help: "Dispatches waiting for a free worker",
			},
		),
		WorkerBusy: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "gareplay_workers_busy",
				Help: "Number of workers currently running a dispatch",
			},
		),
		WorkerPanics: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "gareplay_worker_panics_total",
				Help: "Total number of panics recovered by a worker",
			},
		),

		AnalyticsRequestsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gareplay_analytics_requests_total",
				Help: "Total number of reporting API page requests",
			},
			[]string{"status"},
		),
		AnalyticsRequestDuration: defaultRegisterer.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gareplay_analytics_request_duration_seconds",
				Help:    "Time spent on reporting API page requests",
				Buckets: buckets,
			},
		),
		AnalyticsRetriesTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "gareplay_analytics_retries_total",
				Help: "Total number of retried reporting API requests",
			},
		),
		AnalyticsCacheHits: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gareplay_analytics_cache_lookups_total",
				Help: "Analytics result cache lookups by outcome",
			},
			[]string{"result"},
		),
	}
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string, logger *zap.Logger) error {
	if !IsMetricsEnabled() {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("starting metrics server", zap.String("addr", addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	})

	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// ObserveDispatch records the outcome of one dispatch.
func (m *Metrics) ObserveDispatch(action, status string, d time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	m.DispatchesTotal.WithLabelValues(action, status).Inc()
	m.DispatchDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ObserveDispatchFailure counts a contained dispatch failure.
func (m *Metrics) ObserveDispatchFailure(action, errorType string) {
	if !IsMetricsEnabled() {
		return
	}
	m.DispatchFailures.WithLabelValues(action, errorType).Inc()
}

// ObserveMinuteLag records how late a minute started. Early starts count as zero.
func (m *Metrics) ObserveMinuteLag(lag time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.MinuteStartLag.Set(lag.Seconds())
	m.MinuteLagSeconds.Observe(lag.Seconds())
}

// SetReplayState marks state as the current scheduler state.
func (m *Metrics) SetReplayState(state string, all []string) {
	if !IsMetricsEnabled() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ReplayState.WithLabelValues(s).Set(v)
	}
}

// UpdatePoolMetrics updates the worker pool gauges.
func (m *Metrics) UpdatePoolMetrics(queueDepth int) {
	if !IsMetricsEnabled() {
		return
	}
	m.PoolQueueDepth.Set(float64(queueDepth))
}
