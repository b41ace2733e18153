package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for lockstepd.
type Metrics struct {
	SessionsCreated prometheus.Counter
	StreamsActive   prometheus.Gauge
	StreamsTotal    prometheus.Counter
	UpdatesTotal    *prometheus.CounterVec
	PushesTotal     prometheus.Counter
	FramesDropped   prometheus.Counter
	JoinRequests    *prometheus.CounterVec
	RejectedTotal   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return NewWith(nil)
}

// NewWith registers the metrics on reg; a nil reg uses the default
// registerer (tests pass their own to avoid duplicate registration).
func NewWith(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "lockstepd_sessions_created_total",
			Help: "Total sessions created",
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lockstepd_streams_active",
			Help: "Currently open sync streams",
		}),
		StreamsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lockstepd_streams_total",
			Help: "Total sync streams opened",
		}),
		UpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lockstepd_updates_total",
			Help: "State updates by outcome",
		}, []string{"outcome"}), // applied, forced, locked
		PushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lockstepd_pushes_total",
			Help: "Frames pushed to clients",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lockstepd_frames_dropped_total",
			Help: "Frames dropped on full or closed push buffers",
		}),
		JoinRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lockstepd_join_requests_total",
			Help: "Peer join requests by result",
		}, []string{"result"}), // nudged, no_peer
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lockstepd_rejected_total",
			Help: "Rejected requests by reason",
		}, []string{"reason"}), // bad_token, not_found, rate_limited, internal
	}
}
