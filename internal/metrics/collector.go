package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// GroupTotals is a point-in-time summary of the group index.
type GroupTotals struct {
	Groups   int
	Articles int64
}

// GroupCounter is implemented by the overview database.
type GroupCounter interface {
	Totals() (GroupTotals, error)
}

// CacheSizer reports how many handles a cache holds.
type CacheSizer interface {
	Len() int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Groups GroupCounter
	Cache  CacheSizer
}

// Collector periodically samples gauges that are too expensive to keep
// current on every operation.
type Collector struct {
	metrics *OverviewMetrics
	groups  GroupCounter
	cache   CacheSizer
}

// NewCollector creates a new metrics collector.
func NewCollector(m *OverviewMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		groups:  cfg.Groups,
		cache:   cfg.Cache,
	}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect() {
	c.collectGroupStats()
	c.collectCacheStats()
}

func (c *Collector) collectGroupStats() {
	if c.groups == nil || c.metrics == nil {
		return
	}
	totals, err := c.groups.Totals()
	if err != nil {
		log.Debug().Err(err).Msg("failed to collect group totals")
		return
	}
	c.metrics.Groups.Set(float64(totals.Groups))
	c.metrics.Articles.Set(float64(totals.Articles))
}

func (c *Collector) collectCacheStats() {
	if c.cache == nil {
		return
	}
	c.metrics.SetCacheOpen(c.cache.Len())
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
