package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "passkey_relay"

// Outcomes recorded per envelope.
const (
	OutcomeOK          = "ok"
	OutcomeDuplicate   = "duplicate"
	OutcomeUnsupported = "unsupported"
	OutcomeFailed      = "failed"
)

// Relay counts relay traffic. A nil *Relay records nothing.
type Relay struct {
	envelopes  *prometheus.CounterVec
	executions *prometheus.HistogramVec
	recoveries *prometheus.CounterVec
	sessions   prometheus.Gauge
}

func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Inbound envelopes by content kind and outcome.",
		}, []string{"kind", "outcome"}),
		executions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action executor latency by method and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolutions_total",
			Help:      "Identity resolutions during handshakes by result.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_established",
			Help:      "1 while the relay session holds a shared secret.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.envelopes, m.executions, m.recoveries, m.sessions)
	}
	return m
}

func (m *Relay) Envelope(kind, outcome string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(kind, outcome).Inc()
}

func (m *Relay) Execution(method string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(method, result(err)).Observe(took.Seconds())
}

func (m *Relay) Resolution(err error) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(result(err)).Inc()
}

func (m *Relay) SessionEstablished(up bool) {
	if m == nil {
		return
	}
	if up {
		m.sessions.Set(1)
		return
	}
	m.sessions.Set(0)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
