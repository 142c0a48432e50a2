package chat

import "github.com/prometheus/client_golang/prometheus"

const (
	reasonTerminated  = "terminated"
	reasonIdleTimeout = "idle_timeout"
	reasonShutdown    = "shutdown"

	resultOK            = "ok"
	resultProtocolError = "protocol_error"
	resultHandlerError  = "handler_error"
)

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safechat_connected_clients",
		Help: "Number of connections currently held in the registry",
	})

	ConnectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safechat_connections_accepted_total",
		Help: "Total connections accepted by the listener",
	})

	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safechat_connections_rejected_total",
		Help: "Connections shed because the server was at capacity",
	})

	ConnectionsReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safechat_connections_reaped_total",
		Help: "Registry entries reclaimed, by reason",
	}, []string{"reason"})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safechat_frames_total",
		Help: "Frames read from clients, by outcome",
	}, []string{"result"})

	FrameDispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safechat_frame_dispatch_seconds",
		Help:    "Time spent in the protocol handler per frame",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(ConnectionsAccepted)
	prometheus.MustRegister(ConnectionsRejected)
	prometheus.MustRegister(ConnectionsReaped)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(FrameDispatchDuration)
}
