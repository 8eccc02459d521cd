// Package metrics holds process-wide counters and a Prometheus text
// exposition handler.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

var startTime = time.Now()

// Cache metrics
var (
	cacheHitsTotal   atomic.Int64
	cacheMissesTotal atomic.Int64
)

// Feed refresh metrics
var (
	refreshesInitial    atomic.Int64
	refreshesManual     atomic.Int64
	refreshesBackground atomic.Int64
	refreshFailures     atomic.Int64
	backgroundDiscarded atomic.Int64
)

// Relay metrics
var (
	droppedEventsTotal  atomic.Int64
	rejectedEventsTotal atomic.Int64
)

// IncrementCacheHit increments the cache hit counter.
func IncrementCacheHit() { cacheHitsTotal.Add(1) }

// IncrementCacheMiss increments the cache miss counter.
func IncrementCacheMiss() { cacheMissesTotal.Add(1) }

// IncrementRefresh records a refresh by mode ("initial", "manual", "background").
func IncrementRefresh(mode string) {
	switch mode {
	case "initial":
		refreshesInitial.Add(1)
	case "manual":
		refreshesManual.Add(1)
	case "background":
		refreshesBackground.Add(1)
	}
}

// IncrementRefreshFailure records a refresh that produced no usable data.
func IncrementRefreshFailure() { refreshFailures.Add(1) }

// IncrementBackgroundDiscarded records a background result dropped by the
// content-diff check.
func IncrementBackgroundDiscarded() { backgroundDiscarded.Add(1) }

// IncrementDroppedEvents records events dropped due to full channels.
func IncrementDroppedEvents() { droppedEventsTotal.Add(1) }

// IncrementRejectedEvents records events rejected by signature verification.
func IncrementRejectedEvents() { rejectedEventsTotal.Add(1) }

// PoolStats is implemented by the relay pool for exposition.
type PoolStats interface {
	ConnectionStats() (active int, configured int)
}

// HealthStats is implemented by the relay health store.
type HealthStats interface {
	Stats() (healthy int, unhealthy int, avgMs int64)
}

// Handler serves Prometheus-compatible metrics.
func Handler(pool PoolStats, health HealthStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP bookstr_build_info Build information\n")
		fmt.Fprintf(w, "# TYPE bookstr_build_info gauge\n")
		fmt.Fprintf(w, "bookstr_build_info{go_version=%q} 1\n\n", runtime.Version())

		fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
		fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
		fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(startTime).Seconds())

		fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

		cacheHits := cacheHitsTotal.Load()
		cacheMisses := cacheMissesTotal.Load()

		fmt.Fprintf(w, "# HELP cache_hits_total Total cache hits\n")
		fmt.Fprintf(w, "# TYPE cache_hits_total counter\n")
		fmt.Fprintf(w, "cache_hits_total %d\n\n", cacheHits)

		fmt.Fprintf(w, "# HELP cache_misses_total Total cache misses\n")
		fmt.Fprintf(w, "# TYPE cache_misses_total counter\n")
		fmt.Fprintf(w, "cache_misses_total %d\n\n", cacheMisses)

		var hitRatio float64
		if total := cacheHits + cacheMisses; total > 0 {
			hitRatio = float64(cacheHits) / float64(total)
		}
		fmt.Fprintf(w, "# HELP cache_hit_ratio Cache hit ratio (0-1)\n")
		fmt.Fprintf(w, "# TYPE cache_hit_ratio gauge\n")
		fmt.Fprintf(w, "cache_hit_ratio %.4f\n\n", hitRatio)

		fmt.Fprintf(w, "# HELP feed_refreshes_total Feed refreshes by mode\n")
		fmt.Fprintf(w, "# TYPE feed_refreshes_total counter\n")
		fmt.Fprintf(w, "feed_refreshes_total{mode=\"initial\"} %d\n", refreshesInitial.Load())
		fmt.Fprintf(w, "feed_refreshes_total{mode=\"manual\"} %d\n", refreshesManual.Load())
		fmt.Fprintf(w, "feed_refreshes_total{mode=\"background\"} %d\n\n", refreshesBackground.Load())

		fmt.Fprintf(w, "# HELP feed_refresh_failures_total Refreshes with no usable data\n")
		fmt.Fprintf(w, "# TYPE feed_refresh_failures_total counter\n")
		fmt.Fprintf(w, "feed_refresh_failures_total %d\n\n", refreshFailures.Load())

		fmt.Fprintf(w, "# HELP feed_background_discarded_total Background results dropped by the diff check\n")
		fmt.Fprintf(w, "# TYPE feed_background_discarded_total counter\n")
		fmt.Fprintf(w, "feed_background_discarded_total %d\n\n", backgroundDiscarded.Load())

		fmt.Fprintf(w, "# HELP relay_events_dropped_total Events dropped due to full channels\n")
		fmt.Fprintf(w, "# TYPE relay_events_dropped_total counter\n")
		fmt.Fprintf(w, "relay_events_dropped_total %d\n\n", droppedEventsTotal.Load())

		fmt.Fprintf(w, "# HELP relay_events_rejected_total Events rejected by signature verification\n")
		fmt.Fprintf(w, "# TYPE relay_events_rejected_total counter\n")
		fmt.Fprintf(w, "relay_events_rejected_total %d\n\n", rejectedEventsTotal.Load())

		if pool != nil {
			active, configured := pool.ConnectionStats()
			fmt.Fprintf(w, "# HELP relay_connections_active Number of live relay connections\n")
			fmt.Fprintf(w, "# TYPE relay_connections_active gauge\n")
			fmt.Fprintf(w, "relay_connections_active %d\n\n", active)

			fmt.Fprintf(w, "# HELP relay_connections_configured Configured relay count\n")
			fmt.Fprintf(w, "# TYPE relay_connections_configured gauge\n")
			fmt.Fprintf(w, "relay_connections_configured %d\n\n", configured)
		}

		if health != nil {
			healthy, unhealthy, avgMs := health.Stats()
			fmt.Fprintf(w, "# HELP relays_healthy Number of healthy relays\n")
			fmt.Fprintf(w, "# TYPE relays_healthy gauge\n")
			fmt.Fprintf(w, "relays_healthy %d\n\n", healthy)

			fmt.Fprintf(w, "# HELP relays_unhealthy Number of unhealthy relays\n")
			fmt.Fprintf(w, "# TYPE relays_unhealthy gauge\n")
			fmt.Fprintf(w, "relays_unhealthy %d\n\n", unhealthy)

			fmt.Fprintf(w, "# HELP relay_avg_response_ms Average relay response time\n")
			fmt.Fprintf(w, "# TYPE relay_avg_response_ms gauge\n")
			fmt.Fprintf(w, "relay_avg_response_ms %d\n", avgMs)
		}
	}
}
