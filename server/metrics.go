package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Connection metrics
	activeConnections prometheus.Gauge
	registeredUsers   prometheus.Gauge
	rejections        *prometheus.CounterVec // by reason

	// Traffic metrics
	commandsReceived *prometheus.CounterVec // by verb
	broadcastFanout  prometheus.Histogram
	fileTransfers    *prometheus.CounterVec // by result
	historyLines     *prometheus.CounterVec // by kind
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "lanchat_active_connections",
				Help: "Current number of open client sockets",
			},
		),
		registeredUsers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "lanchat_registered_users",
				Help: "Current number of authenticated users in the registry",
			},
		),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_registry_rejections_total",
				Help: "Logins refused by the connection registry",
			},
			[]string{"reason"},
		),
		commandsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_commands_received_total",
				Help: "Client commands received by verb",
			},
			[]string{"verb"},
		),
		broadcastFanout: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lanchat_broadcast_fanout",
				Help:    "Number of connections that received each broadcast line",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		fileTransfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_file_transfers_total",
				Help: "File uploads by result (ok or rejection reason)",
			},
			[]string{"result"},
		),
		historyLines: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_history_lines_total",
				Help: "History lines replayed at login by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) SetRegisteredUsers(n int) {
	if m == nil {
		return
	}
	m.registeredUsers.Set(float64(n))
}

func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCommand(verb string) {
	if m == nil {
		return
	}
	m.commandsReceived.WithLabelValues(verb).Inc()
}

func (m *Metrics) ObserveFanout(n int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(n))
}

func (m *Metrics) RecordFileTransfer(result string) {
	if m == nil {
		return
	}
	m.fileTransfers.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHistoryLine(kind string) {
	if m == nil {
		return
	}
	m.historyLines.WithLabelValues(kind).Inc()
}
