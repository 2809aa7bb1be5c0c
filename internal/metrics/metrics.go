package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 学习计划流水线的 Prometheus 指标
type Metrics struct {
	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderRetries  *prometheus.CounterVec
	TemplateFallback *prometheus.CounterVec

	// Pipeline metrics
	PipelineRuns     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	PlansReused      prometheus.Counter
	BatchStudents    *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	NotifyFailures   prometheus.Counter
	RuleUpdates      *prometheus.CounterVec
	Evaluations      *prometheus.CounterVec
	EvaluationScores prometheus.Histogram

	// Optimizer metrics
	SchedulerConflicts *prometheus.CounterVec
	AllocatedMinutes   prometheus.Histogram
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics 注册全部指标（进程内只注册一次）
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			ProviderRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_provider_requests_total",
					Help: "Generation requests sent to each provider",
				},
				[]string{"provider"},
			),
			ProviderErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_provider_errors_total",
					Help: "Provider failures by error class",
				},
				[]string{"provider", "code"},
			),
			ProviderLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "studyplan_provider_latency_seconds",
					Help:    "Latency of provider generation calls",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s to 32s
				},
				[]string{"provider"},
			),
			ProviderRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_provider_retries_total",
					Help: "Retries issued after retryable provider failures",
				},
				[]string{"provider", "code"},
			),
			TemplateFallback: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_template_fallback_total",
					Help: "Plans produced from the deterministic template",
				},
				[]string{"reason"},
			),
			PipelineRuns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_pipeline_runs_total",
					Help: "Pipeline runs by trigger and final stage",
				},
				[]string{"trigger", "stage"},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "studyplan_stage_duration_seconds",
					Help:    "Duration of each pipeline stage",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"stage"},
			),
			PlansReused: promauto.NewCounter(prometheus.CounterOpts{
				Name: "studyplan_plans_reused_total",
				Help: "On-demand requests answered with an already stored plan",
			}),
			BatchStudents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_batch_students_total",
					Help: "Students processed by scheduled batches",
				},
				[]string{"time_zone", "result"},
			),
			BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "studyplan_batch_duration_seconds",
				Help:    "Wall time of a scheduled batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
			}),
			NotifyFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "studyplan_notify_failures_total",
				Help: "Plan-ready notifications that failed to publish",
			}),
			RuleUpdates: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_rule_updates_total",
					Help: "Decision rule updates by result",
				},
				[]string{"result"},
			),
			Evaluations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_evaluations_total",
					Help: "Task evaluations by difficulty adjustment",
				},
				[]string{"adjustment"},
			),
			EvaluationScores: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "studyplan_evaluation_score",
				Help:    "Distribution of decision scores",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			}),
			SchedulerConflicts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "studyplan_scheduler_conflicts_total",
					Help: "Scheduling conflicts by kind and resolution",
				},
				[]string{"kind", "resolution"},
			),
			AllocatedMinutes: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "studyplan_allocated_minutes",
				Help:    "Minutes allocated per generated plan",
				Buckets: prometheus.LinearBuckets(0, 30, 12),
			}),
		}
	})

	return sharedMetrics
}
