package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "beatflo_jobs_started_total", Help: "Jobs started, by kind"},
		[]string{"kind"},
	)
	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "beatflo_jobs_completed_total", Help: "Jobs finished successfully, by kind"},
		[]string{"kind"},
	)
	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "beatflo_jobs_failed_total", Help: "Jobs that ended in error, by kind"},
		[]string{"kind"},
	)
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "beatflo_jobs_inflight", Help: "Pipeline goroutines currently running"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatflo_rate_limit_rejects_total", Help: "Job-start requests rejected by rate limiter"})
	WaveformCacheHit = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatflo_waveform_cache_hits_total", Help: "Waveform requests served from cache"})
	ArtifactsServed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatflo_artifacts_served_total", Help: "Completed artifacts streamed to clients"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			JobsInFlight,
			RateLimitRejects,
			WaveformCacheHit,
			ArtifactsServed,
		)
	})
	return promhttp.Handler()
}
