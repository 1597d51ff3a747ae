// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mobiletoly/go-livesync/livesync"
)

// Metrics exports remote operation timings and subscriber counts. It also
// implements livesync.StageMetricsRecorder, so a client-side Collection can
// feed the same histograms.
type Metrics struct {
	registry    *prometheus.Registry
	stage       *prometheus.HistogramVec
	rows        *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

var _ livesync.StageMetricsRecorder = (*Metrics)(nil)

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stage: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livesync_remote_operation_duration_seconds",
			Help:    "Duration of remote store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"collection", "op", "outcome"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_remote_rows_total",
			Help: "Rows read or written by remote store operations",
		}, []string{"collection", "op"}),
		subscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livesync_subscribers",
			Help: "Open change stream subscribers",
		}, []string{"collection"}),
	}
}

func (m *Metrics) ObserveStage(_ context.Context, timing livesync.StageTiming) {
	outcome := "ok"
	if timing.Error {
		outcome = "error"
	}
	m.stage.WithLabelValues(timing.Collection, timing.Stage, outcome).Observe(timing.Duration.Seconds())
	if timing.Count > 0 {
		m.rows.WithLabelValues(timing.Collection, timing.Stage).Add(float64(timing.Count))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// observe records one remote call.
func (m *Metrics) observe(ctx context.Context, collection, op string, start time.Time, count int, err error) {
	m.ObserveStage(ctx, livesync.StageTiming{
		Collection: collection,
		Stage:      op,
		Duration:   time.Since(start),
		Count:      count,
		Error:      err != nil,
	})
}
