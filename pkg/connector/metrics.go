// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiku/telegram-channel-relay/pkg/connector/store"
)

// Metrics holds the relay's Prometheus collectors on a private registry so
// that multiple connectors (and tests) don't collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	events  *prometheus.CounterVec
	calls   *prometheus.CounterVec
	retries *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound Telegram events handled, by kind",
		}, []string{"kind"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_channel_calls_total",
			Help: "Outbound Telegram API calls, by operation and result",
		}, []string{"op", "result"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_call_retries_total",
			Help: "Retried Telegram API call attempts, by operation",
		}, []string{"op"}),
	}
}

// TrackStore registers a gauge reporting the number of live mappings in s.
func (m *Metrics) TrackStore(s store.Store) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_mappings",
		Help: "Number of source messages with a live copy in the channel",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := s.Count(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	})
}

func (m *Metrics) event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) call(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.calls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
