package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signaling bridge.
// Every consumer treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	ConnectionsTotal   prometheus.Counter
	ActiveConnections  prometheus.Gauge
	ActiveRooms        prometheus.Gauge
	RoomTransitions    *prometheus.CounterVec
	EnvelopesRelayed   *prometheus.CounterVec
	EnvelopesDropped   *prometheus.CounterVec
	RequestsTotal      *prometheus.CounterVec
	RequestResolutions *prometheus.CounterVec
	PendingRequests    prometheus.Gauge
	ErrorsTotal        *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "signalbridge_connections_total",
			Help: "Total client connections accepted",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "signalbridge_active_connections",
			Help: "Current registered client connections",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "signalbridge_active_rooms",
			Help: "Rooms currently held in the room registry",
		}),
		RoomTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbridge_room_transitions_total",
			Help: "Room state transitions by target state",
		}, []string{"state"}),
		EnvelopesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbridge_envelopes_relayed_total",
			Help: "Envelopes forwarded to the peer occupant",
		}, []string{"kind"}),
		EnvelopesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbridge_envelopes_dropped_total",
			Help: "Envelopes dropped without delivery",
		}, []string{"reason"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbridge_requests_total",
			Help: "Consultation requests submitted",
		}, []string{"kind"}),
		RequestResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbridge_request_resolutions_total",
			Help: "Consultation requests resolved by decision",
		}, []string{"decision"}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "signalbridge_pending_requests",
			Help: "Consultation requests awaiting an expert decision",
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbridge_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
	}
}
