package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunStats is a point-in-time view of a sync run.
type RunStats struct {
	Records int
	Cursors map[string]time.Time
}

// Collector reports live sync run state on every scrape.
type Collector struct {
	stats func() RunStats

	records *prometheus.Desc
	cursor  *prometheus.Desc
}

// NewCollector creates a collector that calls stats on every scrape.
func NewCollector(stats func() RunStats) *Collector {
	return &Collector{
		stats: stats,
		records: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "export", "accumulated_records"),
			"Unique records in the current run.", nil, nil),
		cursor: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "export", "continuation_timestamp_seconds"),
			"Continuation cursor per partition as unix time.", []string{"partition"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.cursor
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(s.Records))
	for p, at := range s.Cursors {
		ch <- prometheus.MustNewConstMetric(c.cursor, prometheus.GaugeValue, float64(at.Unix()), p)
	}
}
