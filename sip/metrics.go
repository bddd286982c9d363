package sip

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsOptions configures [NewMetrics].
type MetricsOptions struct {
	// Namespace is the metrics namespace, "sip" if empty.
	Namespace string
	// Registerer is the registry the collectors are registered with.
	// If nil, [prometheus.DefaultRegisterer] is used.
	Registerer prometheus.Registerer
}

func (o *MetricsOptions) namespace() string {
	if o == nil || o.Namespace == "" {
		return "sip"
	}
	return o.Namespace
}

func (o *MetricsOptions) registerer() prometheus.Registerer {
	if o == nil || o.Registerer == nil {
		return prometheus.DefaultRegisterer
	}
	return o.Registerer
}

// Metrics holds the prometheus collectors of the stack.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	txCreated     *prometheus.CounterVec
	txActive      *prometheus.GaugeVec
	txTerminated  *prometheus.CounterVec
	flowsActive   *prometheus.GaugeVec
	flowsTermd    *prometheus.CounterVec
	msgsDropped   *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	dispatchDur   prometheus.Histogram
	instances     prometheus.Gauge
}

// NewMetrics creates and registers the stack collectors.
func NewMetrics(opts *MetricsOptions) *Metrics {
	f := promauto.With(opts.registerer())
	ns := opts.namespace()
	return &Metrics{
		txCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transaction",
			Name:      "created_total",
			Help:      "Total number of created transactions.",
		}, []string{"type"}),
		txActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Number of transactions not yet terminated.",
		}, []string{"type"}),
		txTerminated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transaction",
			Name:      "terminated_total",
			Help:      "Total number of terminated transactions by reason.",
		}, []string{"type", "reason"}),
		flowsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "flow",
			Name:      "active",
			Help:      "Number of live flows.",
		}, []string{"transport"}),
		flowsTermd: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "flow",
			Name:      "terminated_total",
			Help:      "Total number of terminated flows by reason.",
		}, []string{"transport", "reason"}),
		msgsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transaction",
			Name:      "dropped_messages_total",
			Help:      "Total number of inbound messages dropped by the transaction layer.",
		}, []string{"reason"}),
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Total number of events dispatched to application instances by result.",
		}, []string{"result"}),
		dispatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Duration of application handler invocations.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		instances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "dispatch",
			Name:      "instances",
			Help:      "Number of live application instances.",
		}),
	}
}

// Drop reasons.
const (
	dropMalformed  = "malformed"
	dropStray      = "stray_response"
	dropTerminated = "terminated_transaction"
	dropClosed     = "layer_closed"
	dropNoFlow     = "invalid_flow"
)

func (m *Metrics) transactionCreated(typ TransactionType) {
	if m == nil {
		return
	}
	m.txCreated.WithLabelValues(string(typ)).Inc()
	m.txActive.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) transactionTerminated(typ TransactionType, reason error) {
	if m == nil {
		return
	}
	m.txActive.WithLabelValues(string(typ)).Dec()
	m.txTerminated.WithLabelValues(string(typ), reasonLabel(reason)).Inc()
}

func (m *Metrics) flowCreated(f *Flow) {
	if m == nil {
		return
	}
	m.flowsActive.WithLabelValues(string(f.Transport())).Inc()
}

func (m *Metrics) flowTerminated(f *Flow, reason error) {
	if m == nil {
		return
	}
	m.flowsActive.WithLabelValues(string(f.Transport())).Dec()
	m.flowsTermd.WithLabelValues(string(f.Transport()), reasonLabel(reason)).Inc()
}

func (m *Metrics) messageDropped(reason string) {
	if m == nil {
		return
	}
	m.msgsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) eventDispatched(dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.dispatchDur.Observe(dur.Seconds())
	if err != nil {
		m.dispatchTotal.WithLabelValues("failure").Inc()
		return
	}
	m.dispatchTotal.WithLabelValues("success").Inc()
}

func (m *Metrics) instanceCreated() {
	if m == nil {
		return
	}
	m.instances.Inc()
}

func (m *Metrics) instanceRemoved() {
	if m == nil {
		return
	}
	m.instances.Dec()
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "normal"
	case errors.Is(err, ErrTransactionTimeout):
		return "timeout"
	case errors.Is(err, ErrTransactionStale):
		return "stale"
	case errors.Is(err, ErrFlowIdleTimeout):
		return "idle"
	case errors.Is(err, ErrFlowClosed):
		return "closed"
	case errors.Is(err, ErrTransactionLayerClosed):
		return "shutdown"
	default:
		return "error"
	}
}
