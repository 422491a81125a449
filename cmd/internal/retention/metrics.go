package retention

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds sweeper instruments. A nil *Metrics records nothing.
type Metrics struct {
	Runs    *prometheus.CounterVec
	Deleted prometheus.Counter
}

// NewMetrics builds the instruments and registers them on reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propchat",
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Retention sweeps by result.",
		}, []string{"result"}),
		Deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "propchat",
			Subsystem: "retention",
			Name:      "deleted_messages_total",
			Help:      "Messages removed by retention sweeps.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Deleted)
	}
	return m
}

func (m *Metrics) run(ok bool, deleted int64) {
	if m == nil {
		return
	}
	if !ok {
		m.Runs.WithLabelValues("error").Inc()
		return
	}
	m.Runs.WithLabelValues("ok").Inc()
	if deleted > 0 {
		m.Deleted.Add(float64(deleted))
	}
}
