package bindcore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the supplemented observability surface SPEC_FULL.md adds on
// top of the bare transport core, exported as prometheus counters, a
// histogram and a gauge via client_golang.
type Metrics struct {
	shutdowns   prometheus.Counter
	terminated  prometheus.Counter
	pingCount   prometheus.Counter
	pingRTT     prometheus.Histogram
	windowFull  prometheus.Gauge
}

// NewMetrics constructs a Metrics registered under reg. Passing a nil
// registerer is valid and simply skips registration, for tests that
// don't want a global collision with prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, role string) *Metrics {
	labels := prometheus.Labels{"role": role}
	m := &Metrics{
		shutdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bindrpc",
			Subsystem:   "transport",
			Name:        "shutdowns_total",
			Help:        "Number of times a transport's shutdown was observed.",
			ConstLabels: labels,
		}),
		terminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bindrpc",
			Subsystem:   "transport",
			Name:        "terminated_total",
			Help:        "Number of times a transport reached ShutdownTerminated.",
			ConstLabels: labels,
		}),
		pingCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bindrpc",
			Subsystem:   "transport",
			Name:        "pings_total",
			Help:        "Number of PING_RESPONSE transactions observed.",
			ConstLabels: labels,
		}),
		pingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "bindrpc",
			Subsystem:   "transport",
			Name:        "ping_rtt_seconds",
			Help:        "Observed PING/PING_RESPONSE round-trip time.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		windowFull: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bindrpc",
			Subsystem:   "transport",
			Name:        "window_full",
			Help:        "1 if the shared transmit window is currently full.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.shutdowns, m.terminated, m.pingCount, m.pingRTT, m.windowFull)
	}
	return m
}

func (m *Metrics) ObserveShutdown()   { m.shutdowns.Inc() }
func (m *Metrics) ObserveTerminated() { m.terminated.Inc() }
func (m *Metrics) ObservePing()       { m.pingCount.Inc() }

func (m *Metrics) ObservePingRTT(d time.Duration) {
	m.pingRTT.Observe(d.Seconds())
}

// SetWindowFull records the instantaneous transmit-window state. Called
// opportunistically by callers with access to a TransportCore, since
// TransportCore itself doesn't poll on a schedule.
func (m *Metrics) SetWindowFull(full bool) {
	if full {
		m.windowFull.Set(1)
		return
	}
	m.windowFull.Set(0)
}
