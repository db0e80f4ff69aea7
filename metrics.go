package kvstore

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts a Store's Stats and cache statistics to
// prometheus.Collector, so a process embedding a Store can register it
// with a prometheus.Registry without hand-writing gauge plumbing.
type Collector struct {
	store *Store

	gets, sets, deletes, transactions, reconnects            *prometheus.Desc
	cacheHits, cacheMisses, cacheEvictions, cacheExpirations *prometheus.Desc
	cacheSize, cacheMemoryBytes                              *prometheus.Desc
}

// NewCollector builds a Collector reporting store's counters.
func NewCollector(store *Store) *Collector {
	ns := "kvstore"
	return &Collector{
		store:            store,
		gets:             prometheus.NewDesc(ns+"_gets_total", "Total Get calls.", nil, nil),
		sets:             prometheus.NewDesc(ns+"_sets_total", "Total Set calls.", nil, nil),
		deletes:          prometheus.NewDesc(ns+"_deletes_total", "Total Delete calls.", nil, nil),
		transactions:     prometheus.NewDesc(ns+"_transactions_total", "Total Transact calls.", nil, nil),
		reconnects:       prometheus.NewDesc(ns+"_backend_reconnects_total", "Total backend reconnects after a timeout.", nil, nil),
		cacheHits:        prometheus.NewDesc(ns+"_cache_hits_total", "Total cache hits.", nil, nil),
		cacheMisses:      prometheus.NewDesc(ns+"_cache_misses_total", "Total cache misses.", nil, nil),
		cacheEvictions:   prometheus.NewDesc(ns+"_cache_evictions_total", "Total cache evictions.", nil, nil),
		cacheExpirations: prometheus.NewDesc(ns+"_cache_expirations_total", "Total cache TTL expirations.", nil, nil),
		cacheSize:        prometheus.NewDesc(ns+"_cache_size", "Current number of cached entries.", nil, nil),
		cacheMemoryBytes: prometheus.NewDesc(ns+"_cache_memory_bytes", "Current estimated cache memory usage.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.gets
	ch <- c.sets
	ch <- c.deletes
	ch <- c.transactions
	ch <- c.reconnects
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.cacheExpirations
	ch <- c.cacheSize
	ch <- c.cacheMemoryBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.store.Stats()
	cacheStats := c.store.CacheStats()

	ch <- prometheus.MustNewConstMetric(c.gets, prometheus.CounterValue, float64(stats.Gets))
	ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(stats.Sets))
	ch <- prometheus.MustNewConstMetric(c.deletes, prometheus.CounterValue, float64(stats.Deletes))
	ch <- prometheus.MustNewConstMetric(c.transactions, prometheus.CounterValue, float64(stats.Transactions))
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(stats.BackendReconnects))

	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(cacheStats.Hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(cacheStats.Misses))
	ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(cacheStats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.cacheExpirations, prometheus.CounterValue, float64(cacheStats.Expirations))
	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(cacheStats.Size))
	ch <- prometheus.MustNewConstMetric(c.cacheMemoryBytes, prometheus.GaugeValue, float64(cacheStats.MemoryBytes))
}
