// Package metrics exposes prometheus counters and gauges derived from the
// core's outbound events.
package metrics

import (
	"context"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const namespace = "mindmap"

var statuses = []internal.AgentStatus{
	internal.StatusIdle,
	internal.StatusRunning,
	internal.StatusPaused,
	internal.StatusRollingBack,
}

// Recorder owns a private registry so several instances can coexist in
// tests
type Recorder struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	events         *prometheus.CounterVec
	errors         *prometheus.CounterVec
	status         *prometheus.GaugeVec
	pauseRequested prometheus.Gauge
	steps          prometheus.Counter
	lastStep       prometheus.Gauge
	rollbacks      *prometheus.CounterVec
	branches       prometheus.Counter
}

// New creates a Recorder with the process and Go runtime collectors
// registered alongside the mindmap metrics
func New(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	r := &Recorder{
		registry: reg,
		logger:   logger.Named("metrics"),

		// Labels: event_type
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published by the core",
		}, []string{"event_type"}),

		// Labels: code (VALIDATION_ERROR, COMMIT_FAILED, ...)
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "system.error events by code",
		}, []string{"code"}),

		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "status",
			Help:      "1 for the current agent status, 0 otherwise",
		}, []string{"status"}),

		pauseRequested: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "pause_requested",
			Help:      "1 while the pause latch is set",
		}),

		steps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "steps",
			Name:      "committed_total",
			Help:      "Reasoning steps committed and recorded",
		}),

		lastStep: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "steps",
			Name:      "last_step",
			Help:      "Step number of the most recently committed step",
		}),

		// Labels: result (success, failure)
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Completed rollback operations",
		}, []string{"result"}),

		branches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branches_created_total",
			Help:      "Branch sessions created",
		}),
	}
	r.setStatus(internal.StatusIdle)
	return r
}

// Registry returns the registry the metrics are registered on
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Run observes events until ctx is done or the channel is closed
func (r *Recorder) Run(ctx context.Context, events <-chan protocol.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-events:
			if !ok {
				return nil
			}
			r.Observe(env)
		}
	}
}

// Observe updates the metrics for one event
func (r *Recorder) Observe(env protocol.Envelope) {
	r.events.WithLabelValues(env.EventType).Inc()

	switch env.EventType {
	case protocol.TypeStepCreated:
		var p protocol.StepCreated
		if r.decode(env, &p) {
			r.steps.Inc()
			r.lastStep.Set(float64(p.Step))
		}

	case protocol.TypeStatusChanged:
		var p protocol.StatusChanged
		if r.decode(env, &p) {
			r.setStatus(internal.AgentStatus(p.Status))
			if p.PauseRequested {
				r.pauseRequested.Set(1)
			} else {
				r.pauseRequested.Set(0)
			}
		}

	case protocol.TypeRollbackCompleted:
		r.rollbacks.WithLabelValues("success").Inc()

	case protocol.TypeBranchCreated:
		r.branches.Inc()

	case protocol.TypeSystemError:
		var p protocol.SystemError
		if r.decode(env, &p) {
			r.errors.WithLabelValues(p.Code).Inc()
			if p.Code == protocol.CodeRollbackFailed {
				r.rollbacks.WithLabelValues("failure").Inc()
			}
		}
	}
}

func (r *Recorder) decode(env protocol.Envelope, v interface{}) bool {
	if err := env.DecodePayload(v); err != nil {
		r.logger.Debug("Skipping undecodable event", zap.String("event_type", env.EventType), zap.Error(err))
		return false
	}
	return true
}

func (r *Recorder) setStatus(current internal.AgentStatus) {
	for _, s := range statuses {
		v := 0.0
		if s == current {
			v = 1
		}
		r.status.WithLabelValues(string(s)).Set(v)
	}
}
