package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so tests and callers that don't scrape can skip it.
type Metrics struct {
	outcomes     *prometheus.CounterVec
	waitSeconds  prometheus.Histogram
	processed    *prometheus.CounterVec
	cycleErrors  prometheus.Counter
	execDuration *prometheus.HistogramVec
	knownTools   map[string]bool
}

// unknownToolLabel replaces tool names the worker doesn't serve. toolName
// comes from the caller, so it can't be used as a label value directly.
const unknownToolLabel = "unknown"


// NewMetrics creates the relay collectors and registers them with reg.
// knownTools are the tool names reported as-is on per-tool series; any
// other name is reported as "unknown".
func NewMetrics(reg prometheus.Registerer, knownTools []string) *Metrics {
	known := make(map[string]bool, len(knownTools))
	for _, name := range knownTools {
		known[name] = true
	}
	m := &Metrics{
		knownTools: known,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "client_outcomes_total",
			Help:      "Bounded waits by outcome (completed, failed, pending).",
		}, []string{"status"}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "client_wait_seconds",
			Help:      "Time spent waiting for a result, including timeouts.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "worker_items_total",
			Help:      "Work items executed by the worker, by result kind (value, error).",
		}, []string{"kind"}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "worker_transport_errors_total",
			Help:      "Transport failures talking to the pending queue or response store.",
		}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "worker_exec_seconds",
			Help:      "Tool execution time per tool.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.waitSeconds, m.processed, m.cycleErrors, m.execDuration)
	}
	return m
}

func (m *Metrics) observeOutcome(status Status, seconds float64) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(status)).Inc()
	m.waitSeconds.Observe(seconds)
}

func (m *Metrics) observeItem(tool string, failed bool, seconds float64) {
	if m == nil {
		return
	}
	kind := "value"
	if failed {
		kind = "error"
	}
	m.processed.WithLabelValues(kind).Inc()
	if !m.knownTools[tool] {
		tool = unknownToolLabel
	}
	m.execDuration.WithLabelValues(tool).Observe(seconds)
}

func (m *Metrics) transportError() {
	if m == nil {
		return
	}
	m.cycleErrors.Inc()
}
