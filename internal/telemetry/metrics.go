package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_runs_total", Help: "Pipeline runs started"})
	ItemsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_completed_total", Help: "Items that finished every stage"})
	ItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_failed_total", Help: "Items that reached terminal failure"})
	ItemsDeferred    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_deferred_total", Help: "Items deferred to a later run by backoff"})
	StageRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stage_retries_total", Help: "Stage attempts scheduled for retry"})
	PublishSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_publications_total", Help: "Successful publications across targets"})
	PublishFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_publication_failures_total", Help: "Failed publication attempts"})
	AnalyticsDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_analytics_dropped_total", Help: "Analytics writes that were swallowed after failing"})
	InFlightItems    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_items_inflight", Help: "Items currently owned by a worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			ItemsCompleted,
			ItemsFailed,
			ItemsDeferred,
			StageRetries,
			PublishSuccess,
			PublishFailures,
			AnalyticsDropped,
			InFlightItems,
		)
	})
	return promhttp.Handler()
}
