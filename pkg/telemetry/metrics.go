package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Work orders ─────────────────────────────────────────────────────────────

	WorkOrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "engine",
		Name:      "work_orders_created_total",
		Help:      "Total work orders created through the engine.",
	})

	WorkOrdersFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "engine",
		Name:      "work_orders_finished_total",
		Help:      "Total work orders that reached a terminal status.",
	}, []string{"status"})

	WorkOrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "engine",
		Name:      "work_order_transitions_total",
		Help:      "Work order status transitions, labelled by target status.",
	}, []string{"to"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "scheduler",
		Name:      "tasks_dispatched_total",
		Help:      "Total tasks dispatched to pods, labelled by role.",
	}, []string{"role"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "scheduler",
		Name:      "tasks_completed_total",
		Help:      "Total tasks finished, labelled by role and terminal status.",
	}, []string{"role", "status"})

	TasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tbwo",
		Subsystem: "scheduler",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed by pods.",
	}, []string{"role"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tbwo",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Pod task loop execution time in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"role"})

	// ─── Pod pool ────────────────────────────────────────────────────────────────

	PodsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tbwo",
		Subsystem: "pool",
		Name:      "pods_active",
		Help:      "Pods bound to a work order, labelled by role.",
	}, []string{"role"})

	PodsDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "pool",
		Name:      "pods_degraded_total",
		Help:      "Pods marked degraded after consecutive failures.",
	}, []string{"role"})

	// ─── Contract ────────────────────────────────────────────────────────────────

	ContractViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "contract",
		Name:      "violations_total",
		Help:      "Contract violations recorded, labelled by type and severity.",
	}, []string{"type", "severity"})

	TokensConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "contract",
		Name:      "tokens_total",
		Help:      "Model tokens consumed, labelled by model.",
	}, []string{"model"})

	CostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "contract",
		Name:      "cost_usd_total",
		Help:      "Model spend in USD, labelled by model.",
	}, []string{"model"})

	// ─── Router ──────────────────────────────────────────────────────────────────

	RouterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "router",
		Name:      "decisions_total",
		Help:      "Routing decisions, labelled by tier and adjustment (none, escalate, downgrade).",
	}, []string{"tier", "adjustment"})

	ModelFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "router",
		Name:      "fallbacks_total",
		Help:      "Times a call moved down the fallback chain, labelled by the failed model.",
	}, []string{"model"})

	ModelRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "router",
		Name:      "retries_total",
		Help:      "Retry attempts on transient model errors.",
	}, []string{"model"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "router",
		Name:      "rate_limited_total",
		Help:      "Model calls rejected by the provider rate limiter.",
	}, []string{"provider"})

	// ─── Prompt ──────────────────────────────────────────────────────────────────

	PromptCompactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "prompt",
		Name:      "compactions_total",
		Help:      "Prompts compacted to fit the token ceiling, labelled by level reached.",
	}, []string{"level"})

	PromptTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tbwo",
		Subsystem: "prompt",
		Name:      "tokens",
		Help:      "Estimated prompt size in tokens after compaction.",
		Buckets:   []float64{500, 1000, 2500, 5000, 10000, 15000, 20000, 25000},
	})

	// ─── Escalation ──────────────────────────────────────────────────────────────

	EscalationsRaised = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "escalation",
		Name:      "raised_total",
		Help:      "Pause-and-ask requests raised by pods.",
	})

	// ─── Events ──────────────────────────────────────────────────────────────────

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Lifecycle events published, labelled by sink and outcome.",
	}, []string{"sink", "outcome"})

	AnswersConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "events",
		Name:      "answers_consumed_total",
		Help:      "Human answers consumed from Kafka, labelled by outcome.",
	}, []string{"outcome"})

	DeliverablesExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "blob",
		Name:      "exports_total",
		Help:      "Deliverable exports to object storage, labelled by outcome.",
	}, []string{"outcome"})

	// ─── API ─────────────────────────────────────────────────────────────────────

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Work order API calls, labelled by operation and response code class.",
	}, []string{"operation", "code"})

	// ─── Watchdog ────────────────────────────────────────────────────────────────

	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tbwo",
		Subsystem: "watchdog",
		Name:      "is_leader",
		Help:      "1 if this instance holds the watchdog leader lock.",
	})

	WatchdogTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tbwo",
		Subsystem: "watchdog",
		Name:      "ticks_total",
		Help:      "Watchdog job runs, labelled by job.",
	}, []string{"job"})
)
