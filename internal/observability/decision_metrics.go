package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DecisionCollector exposes metrics for the handoff selector, the
// relocation planner and the deferred task queue.
type DecisionCollector struct {
	gatherer prometheus.Gatherer

	Handoffs          *prometheus.CounterVec
	ScanCycleDuration prometheus.Histogram
	RelocationEvents  *prometheus.CounterVec
	PendingTasks      prometheus.Gauge
	PredictedDelay    prometheus.Histogram
	ActiveFlows       prometheus.Gauge
}

// NewDecisionCollector registers decision metrics against the provided registerer.
func NewDecisionCollector(reg prometheus.Registerer) (*DecisionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	handoffs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handoffs_total",
		Help: "Handoffs issued, labeled by issuing source, selector mode and reason.",
	}, []string{"source", "mode", "reason"}), "handoffs_total")
	if err != nil {
		return nil, err
	}

	cycle, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scan_cycle_duration_seconds",
		Help:    "Duration of one selector scan and decision cycle, excluding the pause.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}), "scan_cycle_duration_seconds")
	if err != nil {
		return nil, err
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relocation_events_total",
		Help: "Relocation messages received, labeled by processing result.",
	}, []string{"result"}), "relocation_events_total")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduled_tasks_pending",
		Help: "Deferred handoff and resume tasks waiting to run.",
	}), "scheduled_tasks_pending")
	if err != nil {
		return nil, err
	}

	delay, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "predicted_handoff_delay_seconds",
		Help:    "Delay between receiving a relocation and a predicted handoff.",
		Buckets: []float64{0, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}), "predicted_handoff_delay_seconds")
	if err != nil {
		return nil, err
	}

	flows, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "detected_flows_active",
		Help: "Flows currently pinning a client to the VIP agent.",
	}), "detected_flows_active")
	if err != nil {
		return nil, err
	}

	return &DecisionCollector{
		gatherer:          gatherer,
		Handoffs:          handoffs,
		ScanCycleDuration: cycle,
		RelocationEvents:  events,
		PendingTasks:      pending,
		PredictedDelay:    delay,
		ActiveFlows:       flows,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *DecisionCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncHandoff counts one issued handoff.
func (c *DecisionCollector) IncHandoff(source, mode, reason string) {
	if c == nil || c.Handoffs == nil {
		return
	}
	c.Handoffs.WithLabelValues(source, mode, reason).Inc()
}

// ObserveScanCycle records a selector cycle duration.
func (c *DecisionCollector) ObserveScanCycle(d time.Duration) {
	if c == nil || c.ScanCycleDuration == nil {
		return
	}
	c.ScanCycleDuration.Observe(d.Seconds())
}

// IncRelocationEvent counts a relocation message by result.
func (c *DecisionCollector) IncRelocationEvent(result string) {
	if c == nil || c.RelocationEvents == nil {
		return
	}
	c.RelocationEvents.WithLabelValues(result).Inc()
}

// SetPendingTasks updates the task queue depth gauge.
func (c *DecisionCollector) SetPendingTasks(count int) {
	if c == nil || c.PendingTasks == nil {
		return
	}
	c.PendingTasks.Set(float64(count))
}

// ObservePredictedDelay records the scheduled delay of a predicted
// handoff. Negative delays are clamped to zero.
func (c *DecisionCollector) ObservePredictedDelay(d time.Duration) {
	if c == nil || c.PredictedDelay == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	c.PredictedDelay.Observe(d.Seconds())
}

// SetActiveFlows updates the detected flow gauge.
func (c *DecisionCollector) SetActiveFlows(count int) {
	if c == nil || c.ActiveFlows == nil {
		return
	}
	c.ActiveFlows.Set(float64(count))
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
