// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rabbit_messenger"

// Metrics counts transport activity. A nil *Metrics records nothing.
type Metrics struct {
	sent       *prometheus.CounterVec
	received   *prometheus.CounterVec
	acked      *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	reconnects prometheus.Counter
}

// NewMetrics creates the transport counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Messages published to the broker.",
		}, []string{"exchange", "delayed"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Messages fetched from a queue.",
		}, []string{"queue"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged.",
		}, []string{"queue"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_rejected_total",
			Help:      "Messages rejected without requeue.",
		}, []string{"queue"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Times a live broker connection was dropped to connect again.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.sent, m.received, m.acked, m.rejected, m.reconnects} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) messageSent(exchange string, delayed bool) {
	if m == nil {
		return
	}

	m.sent.WithLabelValues(exchange, strconv.FormatBool(delayed)).Inc()
}

func (m *Metrics) messageReceived(queue string) {
	if m == nil {
		return
	}

	m.received.WithLabelValues(queue).Inc()
}

func (m *Metrics) messageAcked(queue string) {
	if m == nil {
		return
	}

	m.acked.WithLabelValues(queue).Inc()
}

func (m *Metrics) messageRejected(queue string) {
	if m == nil {
		return
	}

	m.rejected.WithLabelValues(queue).Inc()
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}

	m.reconnects.Inc()
}
