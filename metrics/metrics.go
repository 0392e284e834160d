// Package metrics exposes the page allocator and buffer cache as a
// Prometheus collector, grounded on the custom-collector idiom (Desc +
// MustNewConstMetric pulled fresh on every Collect rather than cached
// Gauge/Counter objects) the systemd_exporter example uses throughout its
// systemd.Collector.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rv6"

// / AllocatorStats is the read-only view of mem.PageAlloc_t that Collector
// / needs; kept as an interface so this package doesn't import mem directly
// / and force every consumer of mem to also pull in the prometheus stack.
type AllocatorStats interface {
	FreeListDepth(cpu int) int
	NCPUs() int
}

// / CacheStats is the read-only view of fs.Cache_t that Collector needs.
type CacheStats interface {
	Stats() (hits, misses, steals int64)
}

// / Collector publishes free-page depth per CPU shard and cumulative buffer
// / cache hit/miss/steal counts.
type Collector struct {
	alloc AllocatorStats
	cache CacheStats

	freeListDepth *prometheus.Desc
	cacheHits     *prometheus.Desc
	cacheMisses   *prometheus.Desc
	cacheSteals   *prometheus.Desc
}

// / NewCollector binds a Collector to the live allocator and cache it will
// / read from on every scrape.
func NewCollector(alloc AllocatorStats, cache CacheStats) *Collector {
	return &Collector{
		alloc: alloc,
		cache: cache,
		freeListDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "allocator", "free_pages"),
			"Number of frames currently on one CPU shard's freelist.",
			[]string{"cpu"}, nil,
		),
		cacheHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bcache", "hits_total"),
			"Cumulative buffer cache lookups satisfied by an already-active buffer.",
			nil, nil,
		),
		cacheMisses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bcache", "misses_total"),
			"Cumulative buffer cache lookups that had to claim an unused buffer.",
			nil, nil,
		),
		cacheSteals: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bcache", "cross_bucket_steals_total"),
			"Cumulative buffer claims that had to steal from a bucket other than the preferred one.",
			nil, nil,
		),
	}
}

// / Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeListDepth
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheSteals
}

// / Collect implements prometheus.Collector, reading fresh values from the
// / live allocator and cache on every call.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.alloc != nil {
		for cpu := 0; cpu < c.alloc.NCPUs(); cpu++ {
			depth := c.alloc.FreeListDepth(cpu)
			ch <- prometheus.MustNewConstMetric(c.freeListDepth, prometheus.GaugeValue, float64(depth), strconv.Itoa(cpu))
		}
	}
	if c.cache != nil {
		hits, misses, steals := c.cache.Stats()
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(misses))
		ch <- prometheus.MustNewConstMetric(c.cacheSteals, prometheus.CounterValue, float64(steals))
	}
}
