package relay

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/walkie/internal/util"
)

// counters are the relay's cumulative traffic figures. They back both the
// console reporter and the prometheus collectors.
type counters struct {
	joined    atomic.Int64
	left      atomic.Int64
	received  atomic.Int64
	forwarded atomic.Int64
	dropped   atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

func counterFunc(name, help string, v *atomic.Int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "walkie",
		Subsystem: "relay",
		Name:      name,
		Help:      help,
	}, func() float64 {
		return float64(v.Load())
	})
}

// registerMetrics exposes the counters and the live connection count on reg.
func (s *Server) registerMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		counterFunc("connections_total", "accepted client connections", &s.stats.joined),
		counterFunc("disconnections_total", "closed client connections", &s.stats.left),
		counterFunc("frames_received_total", "frames read from clients", &s.stats.received),
		counterFunc("frames_forwarded_total", "frame copies queued for other clients", &s.stats.forwarded),
		counterFunc("frames_dropped_total", "frame copies dropped because a client queue was full", &s.stats.dropped),
		counterFunc("received_bytes_total", "bytes read from clients", &s.stats.bytesIn),
		counterFunc("sent_bytes_total", "bytes written to clients", &s.stats.bytesOut),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "walkie",
			Subsystem: "relay",
			Name:      "connections_active",
			Help:      "currently connected clients",
		}, func() float64 {
			return float64(s.registry.Len())
		}),
	)
}

// Snapshot implements util.TrafficSampler.
func (s *Server) Snapshot() util.TrafficSnapshot {
	return util.TrafficSnapshot{
		Clients:   s.registry.Len(),
		Joined:    s.stats.joined.Load(),
		Left:      s.stats.left.Load(),
		BytesIn:   s.stats.bytesIn.Load(),
		BytesOut:  s.stats.bytesOut.Load(),
		Forwarded: s.stats.forwarded.Load(),
		Dropped:   s.stats.dropped.Load(),
	}
}
