// Package metrics exposes scan sequence counters to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gnssmw/internal/events"
)

// Collector implements sequencer.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	EventsTotal        *prometheus.CounterVec
	ScansTotal         *prometheus.CounterVec
	UplinksTotal       *prometheus.CounterVec
	DoneHandlerSeconds prometheus.Histogram
}

// NewCollector registers the metrics against reg (default registerer when
// nil).
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	evts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gnss_events_total",
		Help: "Events reported to the application, by event.",
	}, []string{"event"}), "gnss_events_total")
	if err != nil {
		return nil, err
	}

	scans, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gnss_scan_tasks_total",
		Help: "Completed scan radio tasks, by completion status.",
	}, []string{"status"}), "gnss_scan_tasks_total")
	if err != nil {
		return nil, err
	}

	uplinks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gnss_uplink_steps_total",
		Help: "Uplink drain steps, by outcome.",
	}, []string{"outcome"}), "gnss_uplink_steps_total")
	if err != nil {
		return nil, err
	}

	hist, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gnss_done_handler_duration_seconds",
		Help:    "Time spent in the scan completion handler.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.002, 0.003, 0.005, 0.01, 0.05},
	}), "gnss_done_handler_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:           gatherer,
		EventsTotal:        evts,
		ScansTotal:         scans,
		UplinksTotal:       uplinks,
		DoneHandlerSeconds: hist,
	}, nil
}

func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *Collector) EventEmitted(t events.Tag) {
	if c == nil || c.EventsTotal == nil {
		return
	}
	c.EventsTotal.WithLabelValues(t.String()).Inc()
}

func (c *Collector) ScanCompleted(status string) {
	if c == nil || c.ScansTotal == nil {
		return
	}
	c.ScansTotal.WithLabelValues(status).Inc()
}

func (c *Collector) UplinkOutcome(outcome string) {
	if c == nil || c.UplinksTotal == nil {
		return
	}
	c.UplinksTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) DoneHandlerDuration(d time.Duration) {
	if c == nil || c.DoneHandlerSeconds == nil {
		return
	}
	c.DoneHandlerSeconds.Observe(d.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
