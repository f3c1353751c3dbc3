package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the bridge's externally visible events. One instance per
// server, registered on its own registry so tests do not collide.
type Metrics struct {
	registry *prometheus.Registry

	SocketsAccepted prometheus.Counter
	BusyRejections  prometheus.Counter
	FramesIn        *prometheus.CounterVec
	FramesOut       *prometheus.CounterVec
	BytesTX         prometheus.Counter
	BytesRX         prometheus.Counter
	SessionsActive  prometheus.GaugeFunc
	ForcedCleanups  prometheus.Counter
}

func NewMetrics(sessionCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		SocketsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "blebridge_sockets_accepted_total",
			Help: "WebSocket connections accepted by the bridge endpoint.",
		}),
		BusyRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "blebridge_busy_rejections_total",
			Help: "Connections refused because the peripheral was claimed elsewhere.",
		}),
		FramesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blebridge_frames_in_total",
			Help: "Client frames received, by frame type.",
		}, []string{"type"}),
		FramesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blebridge_frames_out_total",
			Help: "Server frames sent, by frame type.",
		}, []string{"type"}),
		BytesTX: factory.NewCounter(prometheus.CounterOpts{
			Name: "blebridge_bytes_tx_total",
			Help: "Payload bytes written to the peripheral.",
		}),
		BytesRX: factory.NewCounter(prometheus.CounterOpts{
			Name: "blebridge_bytes_rx_total",
			Help: "Payload bytes received from the peripheral.",
		}),
		ForcedCleanups: factory.NewCounter(prometheus.CounterOpts{
			Name: "blebridge_forced_cleanups_total",
			Help: "Client-requested force cleanups executed.",
		}),
	}
	m.SessionsActive = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "blebridge_sessions",
		Help: "Sessions currently registered.",
	}, func() float64 { return float64(sessionCount()) })
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
