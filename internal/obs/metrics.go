// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/dlearley/bi-agent-core/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsProduced = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_produced_total",
        Help: "Total number of jobs produced",
    })
    JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_consumed_total",
        Help: "Total number of jobs consumed by workers",
    })
    JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_completed_total",
        Help: "Total number of successfully completed jobs",
    })
    JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_failed_total",
        Help: "Total number of failed jobs",
    })
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_retried_total",
        Help: "Total number of job retries",
    })
    JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_dead_letter_total",
        Help: "Total number of jobs moved to dead letter queue",
    })
    JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "job_processing_duration_seconds",
        Help:    "Histogram of job processing durations",
        Buckets: prometheus.DefBuckets,
    })
    QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_length",
        Help: "Current length of Redis queues",
    }, []string{"queue"})
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "reaper_recovered_total",
        Help: "Total number of jobs recovered by the reaper from processing lists",
    })
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    })

    EventsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "events_accepted_total",
        Help: "Total number of ingested events accepted into staging",
    }, []string{"event_kind"})
    EventsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "events_skipped_total",
        Help: "Total number of ingested events skipped as duplicates",
    }, []string{"event_kind"})
    EventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "events_failed_total",
        Help: "Total number of ingested events that failed classification",
    }, []string{"event_kind", "error_kind"})

    ScheduleFires = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "schedule_fires_total",
        Help: "Total number of schedule fires dispatched",
    }, []string{"schedule_id"})
    ScheduleCatchups = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "schedule_catchups_total",
        Help: "Total number of collapsed catch-up fires dispatched after downtime",
    }, []string{"schedule_id"})

    CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "cache_hits_total",
        Help: "Total number of get_or_compute calls served from cache",
    })
    CacheSingleflight = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "cache_singleflight_total",
        Help: "Total number of get_or_compute calls that waited on an in-flight producer",
    })
)

func init() {
    prometheus.MustRegister(
        JobsProduced, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter,
        JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
        ReaperRecovered, WorkerActive,
        EventsAccepted, EventsSkipped, EventsFailed,
        ScheduleFires, ScheduleCatchups,
        CacheHits, CacheSingleflight,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
