package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule pipeline metrics
var (
	RuleMatchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_rule_match_decisions_total",
			Help: "Rule matcher outcomes by result (matched, no_match, invalid_decision, error)",
		},
		[]string{"result"},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_actions_executed_total",
			Help: "Actions executed by type and status",
		},
		[]string{"action", "status"},
	)

	PlansCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_plans_created_total",
			Help: "Pending plans written for confirmation",
		},
	)

	ArgumentGenerationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_argument_generation_retries_total",
			Help: "Argument generation attempts retried after invalid engine output",
		},
	)
)

// Completion engine metrics
var (
	AICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_ai_calls_total",
			Help: "Completion engine invocations by kind and status",
		},
		[]string{"kind", "status"},
	)

	AICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailflow_ai_call_duration_seconds",
			Help:    "Duration of completion engine invocations",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"kind"},
	)
)

// Plan store metrics
var (
	PlanStoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailflow_plan_store_entries",
			Help: "Current number of pending plans in the store",
		},
	)

	PlanStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_plan_store_operations_total",
			Help: "Plan store operations by kind (save, get_hit, get_miss, delete)",
		},
		[]string{"operation"},
	)
)

// Scheduler metrics
var (
	SchedulerSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_scheduler_sweeps_total",
			Help: "Delayed action sweep iterations",
		},
	)

	ScheduledActionsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_scheduled_actions_claimed_total",
			Help: "Scheduled actions claimed for execution",
		},
	)

	ScheduledActionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_scheduled_action_outcomes_total",
			Help: "Terminal outcomes of claimed scheduled actions",
		},
		[]string{"status"},
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailflow_queue_depth",
			Help: "Current depth of work queues",
		},
		[]string{"queue"},
	)

	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_queue_jobs_total",
			Help: "Queue jobs processed by queue and result",
		},
		[]string{"queue", "result"},
	)

	QueueFallbackDispatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_queue_fallback_dispatches_total",
			Help: "Jobs executed directly after a queue publish failure",
		},
	)
)

// Database pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailflow_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailflow_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailflow_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
		[]string{"role"},
	)
)

// Mail provider metrics
var (
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_provider_calls_total",
			Help: "Mail provider operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailflow_provider_call_duration_seconds",
			Help:    "Duration of mail provider operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
