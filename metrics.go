package minicord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics counts the observable session events. A nil registerer leaves
// the counters unregistered but still usable, so the hot paths never
// branch on whether metrics were requested.
type metrics struct {
	messagesRead      prometheus.Counter
	dispatches        prometheus.Counter
	heartbeatsSent    prometheus.Counter
	heartbeatAcks     prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	reconnects        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: "minicord",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
		})
	}
	return &metrics{
		messagesRead:      counter("messages_read_total", "Gateway messages decoded from the transport."),
		dispatches:        counter("dispatches_total", "Dispatch events forwarded to the handler."),
		heartbeatsSent:    counter("heartbeats_sent_total", "Heartbeat payloads written."),
		heartbeatAcks:     counter("heartbeat_acks_total", "Heartbeat acknowledgements received."),
		heartbeatTimeouts: counter("heartbeat_timeouts_total", "Liveness failures detected by the heartbeat scheduler."),
		reconnects:        counter("reconnects_total", "Reconnect attempts made after a dropped connection."),
	}
}
