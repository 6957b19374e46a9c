package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the health of the embedded engine: compaction debt and
// WAL volume are the early warnings for a client device running out of disk
// or burning battery on background compactions.
type Collector struct {
	s *Store

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	diskUsage       *prometheus.Desc
	cacheEntries    *prometheus.Desc
	cacheBytes      *prometheus.Desc
}

func NewCollector(s *Store) *Collector {
	return &Collector{
		s: s,
		compactionCount: prometheus.NewDesc(
			"rehabflow_store_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"rehabflow_store_compaction_estimated_debt_bytes",
			"Estimated number of bytes to compact to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"rehabflow_store_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"rehabflow_store_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"rehabflow_store_wal_files_total",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"rehabflow_store_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"rehabflow_store_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"rehabflow_store_disk_usage_bytes",
			"Total disk space used by the store",
			nil, nil,
		),
		cacheEntries: prometheus.NewDesc(
			"rehabflow_store_cache_entries",
			"Resident artifact cache entries",
			nil, nil,
		),
		cacheBytes: prometheus.NewDesc(
			"rehabflow_store_cache_bytes",
			"Resident artifact cache size in bytes",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compactionCount
	ch <- c.compactionDebt
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walFiles
	ch <- c.walSize
	ch <- c.walBytesWritten
	ch <- c.diskUsage
	ch <- c.cacheEntries
	ch <- c.cacheBytes
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.s.mu.Lock()
	db := c.s.db
	cacheLen := float64(c.s.cache.Len())
	cacheBytes := float64(c.s.cacheBytes)
	c.s.mu.Unlock()
	if db == nil {
		return
	}
	m := db.Metrics()

	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(c.walFiles, prometheus.GaugeValue, float64(m.WAL.Files))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.walBytesWritten, prometheus.CounterValue, float64(m.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.diskUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
	ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, cacheLen)
	ch <- prometheus.MustNewConstMetric(c.cacheBytes, prometheus.GaugeValue, cacheBytes)
}
