package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector exports SpreadMetrics counters to prometheus. The counters stay
// the single source of truth; values are read on every scrape.
type Collector struct {
	m *SpreadMetrics

	filesScanned      *prometheus.Desc
	filesCopied       *prometheus.Desc
	filesFailed       *prometheus.Desc
	filesSkippedClean *prometheus.Desc
	bytesWritten      *prometheus.Desc
	refreshes         *prometheus.Desc
}

// NewCollector wraps m.
func NewCollector(m *SpreadMetrics) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("pglspread", "", name), help, nil, nil)
	}
	return &Collector{
		m:                 m,
		filesScanned:      desc("files_scanned_total", "Regular files visited by source and destination scans."),
		filesCopied:       desc("files_copied_total", "Files committed to a destination."),
		filesFailed:       desc("files_failed_total", "Copy jobs dropped because a stream failed."),
		filesSkippedClean: desc("files_skipped_clean_total", "Common files skipped because their change marker was clean."),
		bytesWritten:      desc("bytes_written_total", "Bytes written to temporary destination files."),
		refreshes:         desc("refreshes_total", "Task refreshes triggered by the update interval."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.filesScanned
	ch <- c.filesCopied
	ch <- c.filesFailed
	ch <- c.filesSkippedClean
	ch <- c.bytesWritten
	ch <- c.refreshes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.filesScanned, c.m.FilesScanned.Load())
	counter(c.filesCopied, c.m.FilesCopied.Load())
	counter(c.filesFailed, c.m.FilesFailed.Load())
	counter(c.filesSkippedClean, c.m.FilesSkippedClean.Load())
	counter(c.bytesWritten, c.m.BytesWritten.Load())
	counter(c.refreshes, c.m.Refreshes.Load())
}

var _ prometheus.Collector = (*Collector)(nil)
