// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports queue statistics to prometheus.
// A nil *Metrics discards all observations.
type Metrics struct {
	transferred *prometheus.CounterVec
	inQueue     *prometheus.GaugeVec
	overflows   *prometheus.CounterVec
	loadMax     *prometheus.GaugeVec
}

// NewMetrics creates the queue metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dque_bytes_transferred_total",
			Help: "Number of bytes read from a data queue.",
		}, []string{"queue"}),
		inQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dque_bytes_in_queue",
			Help: "Number of bytes left in a data queue after the last read.",
		}, []string{"queue"}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dque_overflows_total",
			Help: "Number of overflow conditions reported by a data queue.",
		}, []string{"queue"}),
		loadMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dque_direct_load_max_percent",
			Help: "Maximum fill level of a direct-mode trace memory.",
		}, []string{"queue"}),
	}

	for _, c := range []prometheus.Collector{
		m.transferred, m.inQueue, m.overflows, m.loadMax,
	} {
		err := reg.Register(c)
		if err != nil {
			return nil, fmt.Errorf("dque: could not register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observe(id ID, res Result, overflow bool) {
	if m == nil {
		return
	}
	lbl := id.String()
	m.transferred.WithLabelValues(lbl).Add(float64(res.BytesTransferred))
	m.inQueue.WithLabelValues(lbl).Set(float64(res.BytesInQueue))
	if overflow {
		m.overflows.WithLabelValues(lbl).Inc()
	}
}

func (m *Metrics) load(id ID, peak uint32) {
	if m == nil {
		return
	}
	m.loadMax.WithLabelValues(id.String()).Set(float64(peak))
}

func (m *Metrics) reset(id ID) {
	if m == nil {
		return
	}
	lbl := id.String()
	m.inQueue.WithLabelValues(lbl).Set(0)
	m.loadMax.WithLabelValues(lbl).Set(0)
}
