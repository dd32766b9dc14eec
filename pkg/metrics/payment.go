package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics tracks gateway callback outcomes and status-check latency.
type PaymentMetrics struct {
	callbacks   *prometheus.CounterVec
	statusCheck *prometheus.HistogramVec
}

// NewPaymentMetrics registers the payment metrics on the provided registerer.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Gateway callbacks handled, by outcome.",
	}, []string{"outcome"})
	statusCheck := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_status_check_seconds",
		Help:    "Latency of gateway status checks.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
	reg.MustRegister(callbacks, statusCheck)
	return &PaymentMetrics{callbacks: callbacks, statusCheck: statusCheck}
}

// IncCallback counts one handled callback.
func (p *PaymentMetrics) IncCallback(outcome string) {
	if p == nil || p.callbacks == nil {
		return
	}
	p.callbacks.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveStatusCheck records how long a status check took and whether it errored.
func (p *PaymentMetrics) ObserveStatusCheck(duration time.Duration, err error) {
	if p == nil || p.statusCheck == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.statusCheck.WithLabelValues(result).Observe(duration.Seconds())
}
