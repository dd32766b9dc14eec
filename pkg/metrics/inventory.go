package metrics

import "github.com/prometheus/client_golang/prometheus"

// InventoryMetrics counts ledger movements by kind.
type InventoryMetrics struct {
	units    *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

// NewInventoryMetrics registers the inventory ledger metrics.
func NewInventoryMetrics(reg prometheus.Registerer) *InventoryMetrics {
	if reg == nil {
		return &InventoryMetrics{}
	}
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_units_total",
		Help: "Units moved through the inventory ledger, by operation.",
	}, []string{"op"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_rejections_total",
		Help: "Ledger operations rejected, by operation and reason.",
	}, []string{"op", "reason"})
	reg.MustRegister(units, rejected)
	return &InventoryMetrics{units: units, rejected: rejected}
}

// AddUnits counts quantity moved by a successful operation.
func (m *InventoryMetrics) AddUnits(op string, quantity int) {
	if m == nil || m.units == nil || quantity <= 0 {
		return
	}
	m.units.WithLabelValues(normalizeLabel(op)).Add(float64(quantity))
}

// IncRejected counts a rejected ledger operation.
func (m *InventoryMetrics) IncRejected(op, reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.WithLabelValues(normalizeLabel(op), normalizeLabel(reason)).Inc()
}
