package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "factgraph"
	subsystem = "pipeline"
)

// Metrics counts what flows through the pipeline.
type Metrics struct {
	RowsIngested       prometheus.Counter
	RowsMalformed      prometheus.Counter
	FactsAppended      prometheus.Counter
	MatchesFound       prometheus.Counter
	VisibilityTimeouts prometheus.Counter
	DerivationsApplied prometheus.Counter
	DerivationErrors   prometheus.Counter
}

// NewMetrics registers the pipeline counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RowsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "rows_ingested_total",
			Help: "Rows successfully mapped into facts.",
		}),
		RowsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "rows_malformed_total",
			Help: "Rows dropped because mapping failed.",
		}),
		FactsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "facts_appended_total",
			Help: "Facts appended to the store.",
		}),
		MatchesFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "matches_found_total",
			Help: "Successful fact/constraint matches emitted for evaluation.",
		}),
		VisibilityTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "visibility_timeouts_total",
			Help: "Matches dropped because the fact never became visible in the store.",
		}),
		DerivationsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "derivations_applied_total",
			Help: "Derived facts produced by trigger evaluation.",
		}),
		DerivationErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "derivation_errors_total",
			Help: "Bindings skipped because the derivation function failed.",
		}),
	}
}

// NewNoopMetrics returns metrics bound to a throwaway registry.
func NewNoopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
