// Copyright 2025 Google LLC
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

// Package metrics instruments the union filesystem's own hot paths —
// copy-ups, revalidation outcomes, whiteout creation, and side-IO queue
// depth — the way the teacher instruments its GCS request path: an
// OpenTelemetry meter for the counters/histograms an operator scrapes
// through an OTLP pipeline, plus a Prometheus registry exposed directly
// over HTTP for operators who scrape instead of push.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder is the narrow interface core packages (internal/copyup,
// internal/reval, internal/sideio) depend on, so they can carry an
// optional *OTelMetrics without importing net/http or the exporter
// stack themselves. A nil Recorder field is always treated as "do not
// record" by the caller, the way the teacher's own BucketHandle treats a
// nil MetricHandle.
type Recorder interface {
	RecordCopyUp(ctx context.Context, kind string)
	RecordRevalidation(ctx context.Context, outcome string)
	RecordWhiteout(ctx context.Context)
	SetSideIOQueueDepth(n int)
}

// OTelMetrics is the Recorder implementation wired at mount time. Every
// counter also exists as a Prometheus gauge/counter registered against
// its own registry, so Handler can serve a plain-text /metrics page
// without going through an OTLP collector.
type OTelMetrics struct {
	copyUps        metric.Int64Counter
	revalidations  metric.Int64Counter
	whiteouts      metric.Int64Counter
	sideIOQueueLen prometheus.Gauge

	promCopyUps       *prometheus.CounterVec
	promRevalidations *prometheus.CounterVec
	promWhiteouts     prometheus.Counter

	registry *prometheus.Registry
}

// New builds the meter instruments against the process-wide OTel
// MeterProvider (set by whatever exporter the operator configured
// before calling this, mirroring the teacher's otel.SetMeterProvider
// call in its own metrics bootstrap) and a fresh Prometheus registry.
func New(ctx context.Context) (*OTelMetrics, error) {
	meter := otel.Meter("stackfs")

	copyUps, err := meter.Int64Counter("stackfs_copyups_total",
		metric.WithDescription("Number of successful copy-up operations, by object kind"))
	if err != nil {
		return nil, err
	}
	revalidations, err := meter.Int64Counter("stackfs_revalidations_total",
		metric.WithDescription("Number of Revalidation Engine outcomes, by result"))
	if err != nil {
		return nil, err
	}
	whiteouts, err := meter.Int64Counter("stackfs_whiteouts_total",
		metric.WithDescription("Number of whiteout markers created"))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := &OTelMetrics{
		copyUps:       copyUps,
		revalidations: revalidations,
		whiteouts:     whiteouts,
		registry:      reg,

		sideIOQueueLen: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stackfs_sideio_queue_depth",
			Help: "Number of side-IO requests currently enqueued or in flight",
		}),
		promCopyUps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stackfs_copyups_total",
			Help: "Number of successful copy-up operations, by object kind",
		}, []string{"kind"}),
		promRevalidations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stackfs_revalidations_total",
			Help: "Number of Revalidation Engine outcomes, by result",
		}, []string{"outcome"}),
		promWhiteouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stackfs_whiteouts_total",
			Help: "Number of whiteout markers created",
		}),
	}
	return m, nil
}

func (m *OTelMetrics) RecordCopyUp(ctx context.Context, kind string) {
	m.copyUps.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.promCopyUps.WithLabelValues(kind).Inc()
}

func (m *OTelMetrics) RecordRevalidation(ctx context.Context, outcome string) {
	m.revalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.promRevalidations.WithLabelValues(outcome).Inc()
}

func (m *OTelMetrics) RecordWhiteout(ctx context.Context) {
	m.whiteouts.Add(ctx, 1)
	m.promWhiteouts.Inc()
}

func (m *OTelMetrics) SetSideIOQueueDepth(n int) {
	m.sideIOQueueLen.Set(float64(n))
}

// Handler serves the Prometheus text exposition format, for wiring into
// whatever HTTP mux the mount command runs alongside the FUSE mount.
func (m *OTelMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
