// Package metrics exposes the kernel's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CasesTotal counts case terminations by outcome.
	CasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flownet_cases_total",
		Help: "Cases finished by outcome (completed, cancelled)",
	}, []string{"outcome"})

	// CaseExceptions counts exceptions raised on cases. An exception is
	// not a termination: the case waits for a resolution.
	CaseExceptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flownet_case_exceptions_total",
		Help: "Exceptions raised on cases (deadlocks, routing faults)",
	})

	// ActiveCases tracks cases currently held in memory.
	ActiveCases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flownet_active_cases",
		Help: "Cases currently loaded and not terminal",
	})

	// TaskFirings counts task firings by task ID.
	TaskFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flownet_task_firings_total",
		Help: "Task firings by task",
	}, []string{"task"})

	// TaskCompletions counts task completions by completion kind.
	TaskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flownet_task_completions_total",
		Help: "Task completions by kind (normal, timeout, forced)",
	}, []string{"kind"})

	// AppendDuration tracks transaction log append latency.
	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flownet_log_append_duration_seconds",
		Help:    "Transaction log append duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	// OrJoinSearchStates tracks the state count of OR-join coverability
	// searches; the top bucket flags searches near the truncation limit.
	OrJoinSearchStates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flownet_orjoin_search_states",
		Help:    "States explored per OR-join coverability search",
		Buckets: []float64{10, 100, 1000, 10000, 20000},
	})

	// RecoveredCases counts recovery outcomes per case.
	RecoveredCases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flownet_recovered_cases_total",
		Help: "Cases processed during recovery by result (restored, corrupt)",
	}, []string{"result"})
)
