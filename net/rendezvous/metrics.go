// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rendezvous

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
	"infinit.io/longinus/net/rendezvous/status"
	"infinit.io/longinus/punch"
)

// dropReason labels why an inbound datagram was not acted upon.
type dropReason string

const (
	dropMalformed      dropReason = "malformed"
	dropOversize       dropReason = "oversize"
	dropStale          dropReason = "stale"
	dropRateLimited    dropReason = "rate_limited"
	dropNotMember      dropReason = "not_member"
	dropSessionDone    dropReason = "session_done"
	dropUnexpectedType dropReason = "unexpected_type"
)

var allDropReasons = []dropReason{
	dropMalformed,
	dropOversize,
	dropStale,
	dropRateLimited,
	dropNotMember,
	dropSessionDone,
	dropUnexpectedType,
}

// metrics are the counters of one Server. They are written by the
// dispatcher and safe for concurrent reads.
type metrics struct {
	packetsIn         expvar.Int
	packetsDropped    expvar.Int
	packetsOut        expvar.Int
	sendErrors        expvar.Int
	sessionsActive    expvar.Int // gauge
	sessionsCompleted expvar.Int
	sessionsExpired   expvar.Int
	retriesEmitted    expvar.Int

	dropped    map[dropReason]*expvar.Int      // packetsDropped by reason
	errorsSent map[punch.ErrorCode]*expvar.Int // ERROR messages by code

	vars expvar.Map
}

func newMetrics() *metrics {
	m := &metrics{
		dropped:    make(map[dropReason]*expvar.Int),
		errorsSent: make(map[punch.ErrorCode]*expvar.Int),
	}
	m.vars.Init()
	m.vars.Set("packets_in", &m.packetsIn)
	m.vars.Set("packets_dropped", &m.packetsDropped)
	m.vars.Set("packets_out", &m.packetsOut)
	m.vars.Set("send_errors", &m.sendErrors)
	m.vars.Set("gauge_sessions_active", &m.sessionsActive)
	m.vars.Set("sessions_completed", &m.sessionsCompleted)
	m.vars.Set("sessions_expired", &m.sessionsExpired)
	m.vars.Set("retries_emitted", &m.retriesEmitted)

	dropped := new(expvar.Map).Init()
	for _, r := range allDropReasons {
		v := new(expvar.Int)
		m.dropped[r] = v
		dropped.Set(string(r), v)
	}
	m.vars.Set("packets_dropped_by_reason", dropped)

	sent := new(expvar.Map).Init()
	for _, c := range []punch.ErrorCode{
		punch.ErrCodeSessionFull,
		punch.ErrCodeUnknownSession,
		punch.ErrCodePeerUnreachable,
		punch.ErrCodeInternal,
	} {
		v := new(expvar.Int)
		m.errorsSent[c] = v
		sent.Set(c.String(), v)
	}
	m.vars.Set("errors_sent", sent)
	return m
}

func (m *metrics) drop(r dropReason) {
	m.packetsDropped.Add(1)
	m.dropped[r].Add(1)
}

func (m *metrics) errorSent(c punch.ErrorCode) {
	if v, ok := m.errorsSent[c]; ok {
		v.Add(1)
	}
}

func (m *metrics) counters() status.Counters {
	return status.Counters{
		PacketsIn:         m.packetsIn.Value(),
		PacketsDropped:    m.packetsDropped.Value(),
		PacketsOut:        m.packetsOut.Value(),
		SendErrors:        m.sendErrors.Value(),
		SessionsActive:    m.sessionsActive.Value(),
		SessionsCompleted: m.sessionsCompleted.Value(),
		SessionsExpired:   m.sessionsExpired.Value(),
		RetriesEmitted:    m.retriesEmitted.Value(),
	}
}

// collector exports metrics to Prometheus.
type collector struct {
	m *metrics

	counters []counterDesc
	dropped  *prometheus.Desc
	errors   *prometheus.Desc
}

type counterDesc struct {
	desc *prometheus.Desc
	typ  prometheus.ValueType
	v    *expvar.Int
}

func newCollector(m *metrics) *collector {
	c := &collector{
		m: m,
		dropped: prometheus.NewDesc("longinus_packets_dropped_by_reason_total",
			"Inbound datagrams dropped, by reason.", []string{"reason"}, nil),
		errors: prometheus.NewDesc("longinus_errors_sent_total",
			"ERROR messages sent, by code.", []string{"code"}, nil),
	}
	add := func(name, help string, typ prometheus.ValueType, v *expvar.Int) {
		c.counters = append(c.counters, counterDesc{
			desc: prometheus.NewDesc(name, help, nil, nil),
			typ:  typ,
			v:    v,
		})
	}
	add("longinus_packets_in_total", "Datagrams received.", prometheus.CounterValue, &m.packetsIn)
	add("longinus_packets_dropped_total", "Datagrams dropped without effect.", prometheus.CounterValue, &m.packetsDropped)
	add("longinus_packets_out_total", "Datagrams sent.", prometheus.CounterValue, &m.packetsOut)
	add("longinus_send_errors_total", "Failed datagram sends.", prometheus.CounterValue, &m.sendErrors)
	add("longinus_sessions_active", "Sessions pending or matched.", prometheus.GaugeValue, &m.sessionsActive)
	add("longinus_sessions_completed_total", "Sessions that reached done.", prometheus.CounterValue, &m.sessionsCompleted)
	add("longinus_sessions_expired_total", "Sessions removed for inactivity.", prometheus.CounterValue, &m.sessionsExpired)
	add("longinus_retries_emitted_total", "PAIR retransmissions.", prometheus.CounterValue, &m.retriesEmitted)
	return c
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.dropped
	ch <- c.errors
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, cd.typ, float64(cd.v.Value()))
	}
	for r, v := range c.m.dropped {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(v.Value()), string(r))
	}
	for code, v := range c.m.errorsSent {
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(v.Value()), code.String())
	}
}
