package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IngestCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_contents_ingested_total", Help: "Contents ingested"})
	ParseSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_parse_success_total", Help: "Contents parsed successfully"})
	ParseFailure     = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_parse_failed_total", Help: "Contents with terminal parse failure"})
	IntentsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_intents_created_total", Help: "Delivery intents created by matching"})
	IntentsScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_intents_scheduled_total", Help: "Delivery intents assigned a slot"})
	IntentsSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_intents_skipped_total", Help: "Delivery intents skipped by policy or ledger"})
	DeliverySuccess  = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_deliveries_success_total", Help: "Successful deliveries"})
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_deliveries_failed_total", Help: "Delivery attempts that failed and will retry"})
	DeliveryTerminal = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_deliveries_terminal_failed_total", Help: "Deliveries terminally failed"})
	JobsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_jobs_dead_letter_total", Help: "Queue jobs moved to dead letter"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_rate_limit_rejects_total", Help: "Requests rejected by the ingest rate limiter"})
	SendGuardHolds   = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_send_guard_holds_total", Help: "Deliveries deferred by the cross-process send guard"})
	OutboxPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "vs_outbox_published_total", Help: "Outbox events published"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "vs_queue_depth", Help: "Jobs ready to lease"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "vs_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IngestCounter,
			ParseSuccess,
			ParseFailure,
			IntentsCreated,
			IntentsScheduled,
			IntentsSkipped,
			DeliverySuccess,
			DeliveryFailures,
			DeliveryTerminal,
			JobsDeadLetter,
			RateLimitRejects,
			SendGuardHolds,
			OutboxPublished,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
