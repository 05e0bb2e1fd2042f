package wsserver

import "github.com/prometheus/client_golang/prometheus"

// serverMetrics tracks the server's connection, traffic, and dispatch
// counters across the channel/service/asset surface.
type serverMetrics struct {
	connectionsTotal        prometheus.Counter
	connectionsActive       prometheus.Gauge
	connectionsFailed       prometheus.Counter
	disconnectsTotal        *prometheus.CounterVec
	messagesSent            prometheus.Counter
	messagesReceived        prometheus.Counter
	bytesSent               prometheus.Counter
	bytesReceived           prometheus.Counter
	dataFramesDropped       prometheus.Counter
	slowClientsDisconnected prometheus.Counter
	serviceCallsTotal       prometheus.Counter
	serviceCallsRejected    prometheus.Counter
	assetFetchesTotal       prometheus.Counter
	assetFetchesRejected    prometheus.Counter
}

// newServerMetrics constructs a fresh metric set registered against reg. A
// nil registry is valid: the metrics are still usable, simply unscraped,
// which suits servers embedded in tests.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_connections_total",
			Help: "Total number of WebSocket connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_ws_connections_active",
			Help: "Current number of active WebSocket connections.",
		}),
		connectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_connections_failed_total",
			Help: "Total number of rejected or failed connection attempts.",
		}),
		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_ws_disconnects_total",
			Help: "Total disconnections by reason.",
		}, []string{"reason"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_messages_sent_total",
			Help: "Total number of frames sent to clients.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_messages_received_total",
			Help: "Total number of frames received from clients.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_bytes_sent_total",
			Help: "Total number of bytes sent to clients.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_bytes_received_total",
			Help: "Total number of bytes received from clients.",
		}),
		dataFramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_data_frames_dropped_total",
			Help: "Total number of data-plane frames evicted by the lossy per-client queue.",
		}),
		slowClientsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_slow_clients_disconnected_total",
			Help: "Total number of clients disconnected for an exhausted or full queue.",
		}),
		serviceCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_service_calls_total",
			Help: "Total number of service calls dispatched.",
		}),
		serviceCallsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_service_calls_rejected_total",
			Help: "Total number of service calls rejected for lack of an in-flight slot.",
		}),
		assetFetchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_asset_fetches_total",
			Help: "Total number of asset fetches dispatched.",
		}),
		assetFetchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_ws_asset_fetches_rejected_total",
			Help: "Total number of asset fetches rejected for lack of an in-flight slot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionsTotal, m.connectionsActive, m.connectionsFailed,
			m.disconnectsTotal, m.messagesSent, m.messagesReceived,
			m.bytesSent, m.bytesReceived, m.dataFramesDropped,
			m.slowClientsDisconnected, m.serviceCallsTotal, m.serviceCallsRejected,
			m.assetFetchesTotal, m.assetFetchesRejected,
		)
	}
	return m
}
