// Package metrics registers Prometheus metrics for the runtime and
// exposes them on the KM's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hexley-dev/kmd/internal/protocol"
)

// Metrics holds every collector the runtime updates.
type Metrics struct {
	Registry *prometheus.Registry

	EventsAppended    prometheus.Counter
	EventLogRotations prometheus.Counter
	IntegrityFailures prometheus.Counter

	TriggersSubmitted *prometheus.CounterVec
	TriggersCompleted prometheus.Counter
	TriggersFailed    prometheus.Counter
	TriggersEvicted   prometheus.Counter
	PendingTriggers   prometheus.Gauge

	RuleFirings   *prometheus.CounterVec
	RulesDisabled prometheus.Counter

	TicketTransitions *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ToolErrors        *prometheus.CounterVec

	AgentInvocations *prometheus.CounterVec
	AgentDuration    *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "km_events_appended_total",
			Help: "Events appended to the project event log.",
		}),
		EventLogRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "km_eventlog_rotations_total",
			Help: "Event log rotations.",
		}),
		IntegrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "km_eventlog_integrity_failures_total",
			Help: "Detected event log integrity failures.",
		}),

		TriggersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "km_triggers_submitted_total",
			Help: "Triggers submitted, by priority.",
		}, []string{"priority"}),
		TriggersCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "km_triggers_completed_total",
			Help: "Triggers completed.",
		}),
		TriggersFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "km_triggers_failed_total",
			Help: "Triggers dead-lettered.",
		}),
		TriggersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "km_triggers_evicted_total",
			Help: "Low-priority triggers evicted under backpressure.",
		}),
		PendingTriggers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "km_triggers_pending",
			Help: "Current pending trigger count.",
		}),

		RuleFirings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "km_ambient_rule_firings_total",
			Help: "Ambient rule firings, by rule.",
		}, []string{"rule"}),
		RulesDisabled: factory.NewCounter(prometheus.CounterOpts{
			Name: "km_ambient_rule_disables_total",
			Help: "Ambient rules disabled by their failure budget.",
		}),

		TicketTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "km_ticket_transitions_total",
			Help: "Ticket state transitions, by target state.",
		}, []string{"to"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "km_tool_calls_total",
			Help: "JSON-RPC tool calls, by method.",
		}, []string{"method"}),
		ToolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "km_tool_errors_total",
			Help: "JSON-RPC tool errors, by method.",
		}, []string{"method"}),

		AgentInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "km_agent_invocations_total",
			Help: "Agent subprocess invocations, by agent and outcome.",
		}, []string{"agent", "outcome"}),
		AgentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "km_agent_invocation_seconds",
			Help:    "Agent invocation duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent"}),
	}
}

// Observe routes one appended event into the counters it drives. Hung
// off the event log's append hook so every producer is counted once,
// whichever subsystem wrote the record.
func (m *Metrics) Observe(evt protocol.Event) {
	m.EventsAppended.Inc()
	switch evt.Type {
	case protocol.EventTriggerSubmitted:
		priority, _ := evt.Payload["priority"].(string)
		m.TriggersSubmitted.WithLabelValues(priority).Inc()
	case protocol.EventTriggerCompleted:
		m.TriggersCompleted.Inc()
	case protocol.EventTriggerFailed:
		m.TriggersFailed.Inc()
	case protocol.EventTriggerEvicted:
		m.TriggersEvicted.Inc()
	case protocol.EventRuleFired:
		rule, _ := evt.Payload["rule"].(string)
		m.RuleFirings.WithLabelValues(rule).Inc()
	case protocol.EventRuleDisabled:
		m.RulesDisabled.Inc()
	case protocol.EventIntegrityFail:
		m.IntegrityFailures.Inc()
	}
}
