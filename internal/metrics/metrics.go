// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes polling and cache health to Prometheus.
package metrics

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tmsync/internal/backend"
)

// pollStates lists every state the driver reports, so the state gauge is one-hot.
var pollStates = []string{"idle", "polling", "backoff", "circuit_open", "paused", "stopped"}

// Metrics contains the Prometheus collectors for the sync pipeline.
type Metrics struct {
	PollTicks      *prometheus.CounterVec
	PollInterval   prometheus.Gauge
	PollState      *prometheus.GaugeVec
	MergeApply     prometheus.Histogram
	CachedTorrents prometheus.Gauge
	DetailPartial  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry, alongside the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		PollTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tmsync_poll_ticks_total",
			Help: "Total number of polling ticks by result",
		}, []string{"result"}),
		PollInterval: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmsync_poll_interval_seconds",
			Help: "Delay until the next scheduled poll",
		}),
		PollState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tmsync_poll_state",
			Help: "Current polling driver state (1 for the active state)",
		}, []string{"state"}),
		MergeApply: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tmsync_merge_apply_seconds",
			Help:    "Time spent applying a payload to the torrent cache",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		CachedTorrents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmsync_cached_torrents",
			Help: "Number of torrents in the active cache",
		}),
		DetailPartial: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tmsync_detail_partial_total",
			Help: "Total number of detail sources that failed during composition",
		}, []string{"source"}),
		registry: reg,
	}
}

func (m *Metrics) ObserveTick(result string, next time.Duration) {
	m.PollTicks.WithLabelValues(result).Inc()
	m.PollInterval.Set(next.Seconds())
}

func (m *Metrics) ObserveState(state string) {
	for _, s := range pollStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.PollState.WithLabelValues(s).Set(v)
	}
}

// ObserveApply satisfies backend.ApplyObserver.
func (m *Metrics) ObserveApply(took time.Duration, snap *backend.Snapshot) {
	m.MergeApply.Observe(took.Seconds())
	m.CachedTorrents.Set(float64(snap.Len()))
}

func (m *Metrics) ObservePartial(failed []string) {
	for _, source := range failed {
		m.DetailPartial.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// NewServer serves /metrics on its own listener, separate from the API.
func NewServer(m *Metrics, host string, port int) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", m.Handler())

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
