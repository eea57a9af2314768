package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	activeUsers     prometheus.Gauge
	trackedRecords  prometheus.Gauge
	activeConns     prometheus.Gauge
	logins          prometheus.Counter
	presenceUpdates prometheus.Counter
	evictions       prometheus.Counter
	rollupRows      prometheus.Counter
	rollupFailures  prometheus.Counter
	prunedRows      prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "active_users",
			Help:      "Non-admin users currently present.",
		}),
		trackedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "registry_records",
			Help:      "Records held by the presence registry, admins included.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "live_connections",
			Help:      "Open websocket connections.",
		}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "logins_total",
			Help:      "user_login events handled.",
		}),
		presenceUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "http_updates_total",
			Help:      "Accepted POST /api/user-presence calls.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "evictions_total",
			Help:      "Records removed by the inactivity reaper.",
		}),
		rollupRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "rollup_rows_total",
			Help:      "Minute bucket rows inserted.",
		}),
		rollupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "rollup_failures_total",
			Help:      "Minute bucket inserts that failed.",
		}),
		prunedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "pruned_rows_total",
			Help:      "Minute bucket rows removed by retention.",
		}),
	}
	m.registry.MustRegister(
		m.activeUsers,
		m.trackedRecords,
		m.activeConns,
		m.logins,
		m.presenceUpdates,
		m.evictions,
		m.rollupRows,
		m.rollupFailures,
		m.prunedRows,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) IncLogin() {
	m.logins.Inc()
}

func (m *Metrics) IncPresenceUpdate() {
	m.presenceUpdates.Inc()
}

func (m *Metrics) IncConn() {
	m.activeConns.Inc()
}

func (m *Metrics) DecConn() {
	m.activeConns.Dec()
}

func (m *Metrics) ObserveRegistry(activeUsers, records int) {
	m.activeUsers.Set(float64(activeUsers))
	m.trackedRecords.Set(float64(records))
}

func (m *Metrics) AddEvictions(n int) {
	m.evictions.Add(float64(n))
}

func (m *Metrics) AddRollupRows(n int) {
	m.rollupRows.Add(float64(n))
}

func (m *Metrics) AddRollupFailures(n int) {
	m.rollupFailures.Add(float64(n))
}

func (m *Metrics) AddPruned(n int64) {
	m.prunedRows.Add(float64(n))
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:          m.registry,
		EnableOpenMetrics: true,
	}).ServeHTTP(w, r)
}
