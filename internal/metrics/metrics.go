// Package metrics provides Prometheus metrics for the article store and the
// overview database.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the Prometheus registry for all newsspool metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var (
	storageOnce     sync.Once
	storageInstance *StorageMetrics

	overviewOnce     sync.Once
	overviewInstance *OverviewMetrics
)

// StorageMetrics holds the metrics of the storage manager and its methods.
type StorageMetrics struct {
	OpsTotal    *prometheus.CounterVec   // newsspool_storage_ops_total{method,operation,status}
	OpDuration  *prometheus.HistogramVec // newsspool_storage_op_duration_seconds{method,operation}
	BytesStored *prometheus.CounterVec   // newsspool_storage_bytes_stored_total{method}
	InitFailed  *prometheus.GaugeVec     // newsspool_storage_method_init_failed{method}
}

// NewStorageMetrics registers storage metrics with registry.
func NewStorageMetrics(registry prometheus.Registerer) *StorageMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &StorageMetrics{
		OpsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "newsspool_storage_ops_total",
			Help: "Storage operations by method, operation and status",
		}, []string{"method", "operation", "status"}),

		OpDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsspool_storage_op_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "operation"}),

		BytesStored: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "newsspool_storage_bytes_stored_total",
			Help: "Article bytes handed to each storage method",
		}, []string{"method"}),

		InitFailed: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsspool_storage_method_init_failed",
			Help: "1 if the storage method failed to initialize",
		}, []string{"method"}),
	}
}

// Storage returns the process-wide storage metrics registered on Registry.
func Storage() *StorageMetrics {
	storageOnce.Do(func() {
		storageInstance = NewStorageMetrics(Registry)
	})
	return storageInstance
}

// RecordOp records one storage operation.
func (m *StorageMetrics) RecordOp(method, operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OpsTotal.WithLabelValues(method, operation, status).Inc()
	m.OpDuration.WithLabelValues(method, operation).Observe(elapsed.Seconds())
}

// RecordStored adds n bytes to the stored total of method.
func (m *StorageMetrics) RecordStored(method string, n int) {
	if m == nil {
		return
	}
	m.BytesStored.WithLabelValues(method).Add(float64(n))
}

// SetInitFailed marks method as failed (or recovered).
func (m *StorageMetrics) SetInitFailed(method string, failed bool) {
	if m == nil {
		return
	}
	v := 0.0
	if failed {
		v = 1
	}
	m.InitFailed.WithLabelValues(method).Set(v)
}

// OverviewMetrics holds the metrics of the overview database.
type OverviewMetrics struct {
	CacheHits      prometheus.Counter     // newsspool_overview_cache_hits_total
	CacheMisses    prometheus.Counter     // newsspool_overview_cache_misses_total
	CacheEvictions *prometheus.CounterVec // newsspool_overview_cache_evictions_total{reason}
	CacheWaits     prometheus.Counter     // newsspool_overview_cache_waits_total
	CacheOpen      prometheus.Gauge       // newsspool_overview_cache_open_handles
	RecordsAdded   prometheus.Counter     // newsspool_overview_records_added_total
	Rewrites       *prometheus.CounterVec // newsspool_overview_rewrites_total{kind,status}
	Groups         prometheus.Gauge       // newsspool_overview_groups
	Articles       prometheus.Gauge       // newsspool_overview_articles
}

// NewOverviewMetrics registers overview metrics with registry.
func NewOverviewMetrics(registry prometheus.Registerer) *OverviewMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &OverviewMetrics{
		CacheHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "newsspool_overview_cache_hits_total",
			Help: "Group handle cache hits",
		}),
		CacheMisses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "newsspool_overview_cache_misses_total",
			Help: "Group handle cache misses",
		}),
		CacheEvictions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "newsspool_overview_cache_evictions_total",
			Help: "Group handles closed by the cache, by reason",
		}, []string{"reason"}),
		CacheWaits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "newsspool_overview_cache_waits_total",
			Help: "Times an open waited because every cached handle was in use",
		}),
		CacheOpen: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "newsspool_overview_cache_open_handles",
			Help: "Group handles currently held by the cache",
		}),
		RecordsAdded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "newsspool_overview_records_added_total",
			Help: "Overview records written",
		}),
		Rewrites: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "newsspool_overview_rewrites_total",
			Help: "Pack, expire and rebuild rewrites by status",
		}, []string{"kind", "status"}),
		Groups: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "newsspool_overview_groups",
			Help: "Live groups in the group index",
		}),
		Articles: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "newsspool_overview_articles",
			Help: "Sum of article counts over live groups",
		}),
	}
}

// Overview returns the process-wide overview metrics registered on Registry.
func Overview() *OverviewMetrics {
	overviewOnce.Do(func() {
		overviewInstance = NewOverviewMetrics(Registry)
	})
	return overviewInstance
}

// CacheHit counts a cache hit.
func (m *OverviewMetrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// CacheMiss counts a cache miss.
func (m *OverviewMetrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// CacheEvict counts a closed handle. reason is "lru", "stale" or "deleted".
func (m *OverviewMetrics) CacheEvict(reason string) {
	if m != nil {
		m.CacheEvictions.WithLabelValues(reason).Inc()
	}
}

// CacheWait counts one wait for a free cache slot.
func (m *OverviewMetrics) CacheWait() {
	if m != nil {
		m.CacheWaits.Inc()
	}
}

// SetCacheOpen sets the number of cached handles.
func (m *OverviewMetrics) SetCacheOpen(n int) {
	if m != nil {
		m.CacheOpen.Set(float64(n))
	}
}

// RecordAdded counts one written overview record.
func (m *OverviewMetrics) RecordAdded() {
	if m != nil {
		m.RecordsAdded.Inc()
	}
}

// RecordRewrite counts a pack, expire or rebuild.
func (m *OverviewMetrics) RecordRewrite(kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Rewrites.WithLabelValues(kind, status).Inc()
}
