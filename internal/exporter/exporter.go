// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package exporter serves frame statistics and numeric values to Prometheus.
package exporter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
)

const namespace = "ehs"

// Exporter owns a private registry
type Exporter struct {
	registry *prometheus.Registry
	values   *prometheus.GaugeVec
	updates  *prometheus.CounterVec
	logger   *zap.Logger
}

// New registers the statistics collector and value gauges
func New(stats *nasa.Statistics, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "value",
			Help:      "Latest numeric value of a key",
		}, []string{"key"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Value updates by origin",
		}, []string{"derived"}),
		logger: logger.Named("exporter"),
	}
	e.registry.MustRegister(e.values, e.updates, newStatsCollector(stats))
	return e
}

// Registry exposes the registry for tests and extra collectors
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handle records one update
func (e *Exporter) Handle(u metrics.Update) {
	e.updates.WithLabelValues(strconv.FormatBool(u.Derived)).Inc()
	if f, ok := u.Value.Float(); ok {
		e.values.WithLabelValues(u.Key).Set(f)
	}
}

// Handler returns the /metrics handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx ends
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	e.logger.Info("serving metrics", zap.String("listen", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statsCollector reads a statistics snapshot on every scrape
type statsCollector struct {
	stats     *nasa.Statistics
	frames    *prometheus.Desc
	anomalies *prometheus.Desc
	messages  *prometheus.Desc
}

func newStatsCollector(stats *nasa.Statistics) *statsCollector {
	return &statsCollector{
		stats: stats,
		frames: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "frames_total"),
			"Candidate frames by outcome", []string{"result"}, nil),
		anomalies: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "anomalies_total"),
			"Valid packets with protocol anomalies", nil, nil),
		messages: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "messages_total"),
			"Sub-messages in valid packets", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frames
	ch <- c.anomalies
	ch <- c.messages
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot()
	for result, n := range map[string]uint64{
		"valid":          s.ValidPackets,
		"checksum_error": s.ChecksumErrors,
		"malformed":      s.MalformedFrames,
		"header_error":   s.HeaderErrors,
		"discarded":      s.DiscardedFrames,
		"dropped":        s.DroppedFrames,
	} {
		ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(n), result)
	}
	ch <- prometheus.MustNewConstMetric(c.anomalies, prometheus.CounterValue, float64(s.Anomalies))
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(s.Messages))
}
