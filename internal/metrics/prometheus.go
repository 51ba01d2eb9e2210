package metrics

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docpipe_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage", "outcome"},
	)

	StageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_stage_outcomes_total",
			Help: "Stage executions by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_stage_retries_total",
			Help: "Stage failures by error kind",
		},
		[]string{"stage", "kind"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_cache_hits_total",
			Help: "Stage result cache hits",
		},
		[]string{"stage"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_cache_misses_total",
			Help: "Stage result cache misses",
		},
		[]string{"stage"},
	)

	JobPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_job_polls_total",
			Help: "External job poll steps by result",
		},
		[]string{"stage", "result"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docpipe_queue_depth",
			Help: "Work items waiting in the dispatch queue",
		},
	)

	DocumentsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_documents_finished_total",
			Help: "Documents that reached a terminal status",
		},
		[]string{"status"},
	)

	MentionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docpipe_mentions_dropped_total",
			Help: "Extracted mentions rejected by validation",
		},
	)

	registerOnce sync.Once
)

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(StageOutcomes)
		prometheus.MustRegister(StageRetries)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(JobPolls)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(DocumentsFinished)
		prometheus.MustRegister(MentionsDropped)
	})
}

func ObserveStage(stage, outcome string, elapsed time.Duration) {
	StageDuration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
	StageOutcomes.WithLabelValues(stage, outcome).Inc()
}

func CacheLookup(stage string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(stage).Inc()
		return
	}
	CacheMisses.WithLabelValues(stage).Inc()
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
