// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the dispatch pipeline records into. A nil
// *Metrics is valid and records nothing, so tests can pass nil.
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	malformedTotal   *prometheus.CounterVec
	matchesTotal     *prometheus.CounterVec
	unmatchedTotal   prometheus.Counter
	deniedTotal      prometheus.Counter
	handlerErrors    *prometheus.CounterVec
	handlerPanics    *prometheus.CounterVec
	reloadsTotal     *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	registerer prometheus.Registerer
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "elaina",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the gateway metrics set. Collectors are registered on
// registerer, or the default registerer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		eventsTotal:    newCounterVec("events_total", "Inbound events accepted for dispatch", []string{"transport"}),
		malformedTotal: newCounterVec("malformed_total", "Inbound payloads rejected during normalization", []string{"transport"}),
		matchesTotal:   newCounterVec("matches_total", "Route matches executed", []string{"plugin"}),
		unmatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elaina",
			Subsystem: "dispatch",
			Name:      "unmatched_total",
			Help:      "Events no route matched",
		}),
		deniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elaina",
			Subsystem: "dispatch",
			Name:      "permission_denied_total",
			Help:      "Events where a route matched but the sender tier was insufficient",
		}),
		handlerErrors: newCounterVec("handler_errors_total", "Handler invocations that returned an error", []string{"plugin"}),
		handlerPanics: newCounterVec("handler_panics_total", "Handler invocations that panicked", []string{"plugin"}),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "elaina",
				Subsystem: "plugins",
				Name:      "reloads_total",
				Help:      "Plugin reload attempts",
			},
			[]string{"result"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "elaina",
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "End-to-end dispatch time per event",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all collectors. Already-registered collectors are not an
// error.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}

	collectors := []prometheus.Collector{
		m.eventsTotal,
		m.malformedTotal,
		m.matchesTotal,
		m.unmatchedTotal,
		m.deniedTotal,
		m.handlerErrors,
		m.handlerPanics,
		m.reloadsTotal,
		m.dispatchDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) EventReceived(transport string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) EventMalformed(transport string) {
	if m == nil {
		return
	}
	m.malformedTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) MatchExecuted(plugin string) {
	if m == nil {
		return
	}
	m.matchesTotal.WithLabelValues(plugin).Inc()
}

func (m *Metrics) Unmatched() {
	if m == nil {
		return
	}
	m.unmatchedTotal.Inc()
}

func (m *Metrics) PermissionDenied() {
	if m == nil {
		return
	}
	m.deniedTotal.Inc()
}

func (m *Metrics) HandlerError(plugin string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(plugin).Inc()
}

func (m *Metrics) HandlerPanic(plugin string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(plugin).Inc()
}

func (m *Metrics) ReloadResult(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.reloadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) DispatchObserved(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
