package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the relay's Prometheus instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections  prometheus.Gauge
	OnlineUsers  prometheus.Gauge
	OnlineStaff  prometheus.Gauge
	Frames       *prometheus.CounterVec
	Deliveries   *prometheus.CounterVec
	Replayed     prometheus.Counter
	HandshakeRej *prometheus.CounterVec
}

// NewMetrics builds the instruments and registers them on reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "propchat",
			Name:      "ws_connections",
			Help:      "Open websocket sessions.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "propchat",
			Name:      "online_users",
			Help:      "Users with at least one open session.",
		}),
		OnlineStaff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "propchat",
			Name:      "online_staff",
			Help:      "Users currently reachable as staff.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propchat",
			Name:      "inbound_frames_total",
			Help:      "Inbound chat frames by outcome.",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propchat",
			Name:      "deliveries_total",
			Help:      "Outbound delivery frames by kind (live, echo, replay) and result.",
		}, []string{"kind", "result"}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "propchat",
			Name:      "replayed_messages_total",
			Help:      "Stored messages replayed on connect.",
		}),
		HandshakeRej: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propchat",
			Name:      "handshake_rejections_total",
			Help:      "Rejected websocket handshakes by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.OnlineUsers, m.OnlineStaff, m.Frames, m.Deliveries, m.Replayed, m.HandshakeRej)
	}
	return m
}

func (m *Metrics) frame(outcome string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) delivery(kind string, ok bool) {
	m.deliveries(kind, ok, 1)
}

func (m *Metrics) deliveries(kind string, ok bool, n int) {
	if m == nil || n <= 0 {
		return
	}
	result := "ok"
	if !ok {
		result = "dropped"
	}
	m.Deliveries.WithLabelValues(kind, result).Add(float64(n))
}

func (m *Metrics) replayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Replayed.Add(float64(n))
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.HandshakeRej.WithLabelValues(reason).Inc()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) presence(r *Registry) {
	if m == nil || r == nil {
		return
	}
	m.OnlineUsers.Set(float64(r.OnlineUsers()))
	m.OnlineStaff.Set(float64(len(r.OnlineStaff())))
}
