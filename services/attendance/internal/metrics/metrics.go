// Package metrics defines the Prometheus instruments for the attendance
// core. Everything hangs off the hooks the domain packages expose, so the
// core itself never imports this package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service's collectors.
type Metrics struct {
	VerificationOutcomes *prometheus.CounterVec
	FaceFailures         *prometheus.CounterVec
	CooldownRejections   *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
	QueueSynced          prometheus.Counter
	AutoEnds             prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		VerificationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftd",
			Name:      "verification_outcomes_total",
			Help:      "Terminal verification session states by shift action.",
		}, []string{"action", "state"}),
		FaceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftd",
			Name:      "face_failures_total",
			Help:      "Face verification pass failures by kind.",
		}, []string{"kind"}),
		CooldownRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftd",
			Name:      "cooldown_rejections_total",
			Help:      "Shift actions rejected by the cooldown guard.",
		}, []string{"reason"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "shiftd",
			Name:      "offline_queue_depth",
			Help:      "Offline verification records awaiting sync.",
		}),
		QueueSynced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shiftd",
			Name:      "offline_records_synced_total",
			Help:      "Offline verification records successfully replayed.",
		}),
		AutoEnds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shiftd",
			Name:      "auto_end_reconciliations_total",
			Help:      "Shifts reconciled to idle after a server-side auto-end.",
		}),
	}
}
