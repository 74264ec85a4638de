package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PoolSizeGauge reports the number of dialed pooled connections.
	PoolSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_pool_size",
		Help: "Number of pooled store connections",
	})
	// PoolInUseGauge reports the number of connections currently lent out.
	PoolInUseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_pool_in_use",
		Help: "Number of pooled store connections in use",
	})
	// PoolExhaustedCounter tracks acquisitions rejected at capacity.
	PoolExhaustedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_pool_exhausted_total",
		Help: "Total number of acquisitions rejected because the pool was full",
	})

	// LockAcquiredCounter tracks successful lock acquisitions.
	LockAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_lock_acquired_total",
		Help: "Total number of locks acquired",
	})
	// LockContendedCounter tracks attempts that found the lock held.
	LockContendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_lock_contended_total",
		Help: "Total number of lock attempts that found the lock held",
	})
	// LockTimeoutCounter tracks acquisitions that hit their deadline.
	LockTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_lock_timeouts_total",
		Help: "Total number of lock acquisitions that timed out",
	})
	// LockReleaseMismatchCounter tracks releases of expired or stolen locks.
	LockReleaseMismatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_lock_release_mismatch_total",
		Help: "Total number of releases for locks no longer held",
	})

	// CacheHitCounter tracks guard reads served from the store.
	CacheHitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_cache_hits_total",
		Help: "Total number of cache guard hits",
	})
	// CacheMissCounter tracks guard reads that found nothing.
	CacheMissCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_cache_misses_total",
		Help: "Total number of cache guard misses",
	})
	// CacheComputeCounter tracks recomputations performed under the lock.
	CacheComputeCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_cache_computes_total",
		Help: "Total number of values computed by the cache guard",
	})

	// RateLimitAllowedCounter tracks admitted requests.
	RateLimitAllowedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_ratelimit_allowed_total",
		Help: "Total number of requests admitted by the rate limiter",
	})
	// RateLimitRejectedCounter tracks rejected requests.
	RateLimitRejectedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_ratelimit_rejected_total",
		Help: "Total number of requests rejected by the rate limiter",
	})

	// PubSubPublishedCounter tracks published messages.
	PubSubPublishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_pubsub_published_total",
		Help: "Total number of messages published",
	})
	// PubSubDeliveredCounter tracks callback invocations.
	PubSubDeliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_pubsub_delivered_total",
		Help: "Total number of messages delivered to local subscribers",
	})
	// PubSubTopicsGauge reports the number of topics subscribed on the store.
	PubSubTopicsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_pubsub_topics",
		Help: "Current number of subscribed topics",
	})

	// CronFiredCounter tracks job runs started by the scheduler.
	CronFiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_cron_fired_total",
		Help: "Total number of cron job runs",
	})
	// CronSkippedCounter tracks matching minutes not run locally.
	CronSkippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_cron_skipped_total",
		Help: "Total number of matching minutes skipped (lock held elsewhere or still running)",
	})
	// CronFailedCounter tracks job runs that returned an error or panicked.
	CronFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_cron_failed_total",
		Help: "Total number of failed cron job runs",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the fleet collectors on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		PoolSizeGauge, PoolInUseGauge, PoolExhaustedCounter,
		LockAcquiredCounter, LockContendedCounter, LockTimeoutCounter, LockReleaseMismatchCounter,
		CacheHitCounter, CacheMissCounter, CacheComputeCounter,
		RateLimitAllowedCounter, RateLimitRejectedCounter,
		PubSubPublishedCounter, PubSubDeliveredCounter, PubSubTopicsGauge,
		CronFiredCounter, CronSkippedCounter, CronFailedCounter,
	)
}
