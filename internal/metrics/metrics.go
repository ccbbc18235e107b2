// Package metrics holds the prometheus collectors of the pylon service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type (
	Metrics struct {
		CodesGenerated prometheus.Counter
		Sends          *prometheus.CounterVec
		Receives       *prometheus.CounterVec
		Expired        prometheus.Counter
		Pending        prometheus.GaugeFunc
	}
)

// New registers the collectors with reg. pending reports the number of codes
// waiting in the registry.
func New(reg prometheus.Registerer, pending func() float64) *Metrics {
	m := &Metrics{
		CodesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "codes_generated_total",
			Help:      "Wormhole codes handed out to initiators.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "sends_total",
			Help:      "Send operations by outcome.",
		}, []string{"outcome"}),
		Receives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "receives_total",
			Help:      "Receive operations by outcome.",
		}, []string{"outcome"}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "codes_expired_total",
			Help:      "Codes dropped from the registry after their lease ran out.",
		}),
		Pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "pending_codes",
			Help:      "Codes waiting for a payload.",
		}, pending),
	}

	reg.MustRegister(m.CodesGenerated, m.Sends, m.Receives, m.Expired, m.Pending)
	return m
}
