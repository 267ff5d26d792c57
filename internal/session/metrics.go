package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts synchronization activity.
type Metrics struct {
	PatchesSent     prometheus.Counter
	PatchesReceived prometheus.Counter
	Rebases         prometheus.Counter
	Resyncs         prometheus.Counter
	Reconnects      prometheus.Counter
	State           prometheus.Gauge
}

// NewMetrics registers the session metrics with reg. A nil reg uses a
// private registry, so several sessions in one process do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		PatchesSent:     counter("patches_sent_total", "Local patches sent to the server."),
		PatchesReceived: counter("patches_received_total", "Remote patches received."),
		Rebases:         counter("rebases_total", "Remote patches rebased past a pending local patch."),
		Resyncs:         counter("resyncs_total", "Buffers refetched after a conflict or checksum mismatch."),
		Reconnects:      counter("reconnects_total", "Reconnect attempts."),
		State: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (0 disconnected .. 4 joined).",
		}),
	}
}
