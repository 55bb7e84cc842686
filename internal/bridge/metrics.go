package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the bridge counters as Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	framesValid      prometheus.Counter
	framesInvalid    prometheus.Counter
	bytesForwarded   prometheus.Counter
	clientsConnected prometheus.Gauge
	clientsAccepted  prometheus.Counter
	clientsRejected  prometheus.Counter
	writeFailures    prometheus.Counter
}

// NewMetrics creates the bridge collectors and registers them with reg.
// A nil reg yields nil metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		framesValid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsnet",
			Subsystem: "frames",
			Name:      "valid_total",
			Help:      "Complete upstream frames forwarded to clients",
		}),
		framesInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsnet",
			Subsystem: "frames",
			Name:      "invalid_total",
			Help:      "Upstream reads discarded as structurally invalid",
		}),
		bytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsnet",
			Name:      "bytes_forwarded_total",
			Help:      "Frame bytes fully written to clients",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpsnet",
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Occupied client slots",
		}),
		clientsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsnet",
			Subsystem: "clients",
			Name:      "accepted_total",
			Help:      "Client connections admitted to a slot",
		}),
		clientsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsnet",
			Subsystem: "clients",
			Name:      "rejected_total",
			Help:      "Client connections closed because every slot was taken",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsnet",
			Name:      "client_write_failures_total",
			Help:      "Short or failed frame writes to clients",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.framesValid,
		m.framesInvalid,
		m.bytesForwarded,
		m.clientsConnected,
		m.clientsAccepted,
		m.clientsRejected,
		m.writeFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) frameValid() {
	if m == nil {
		return
	}
	m.framesValid.Inc()
}

func (m *Metrics) frameInvalid() {
	if m == nil {
		return
	}
	m.framesInvalid.Inc()
}

func (m *Metrics) forwarded(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.bytesForwarded.Add(float64(bytes))
}

func (m *Metrics) clients(n int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(n))
}

func (m *Metrics) accepted() {
	if m == nil {
		return
	}
	m.clientsAccepted.Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.clientsRejected.Inc()
}

func (m *Metrics) writeFailed() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}
