package tenantdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatusCollector exports a pool's Status as Prometheus gauges. It reads the
// pool on every scrape and holds no state of its own.
type StatusCollector struct {
	pool *Pool

	size      *prometheus.Desc
	maxSize   *prometheus.Desc
	available *prometheus.Desc
	inUse     *prometheus.Desc
	waiting   *prometheus.Desc
	closed    *prometheus.Desc
}

var _ prometheus.Collector = (*StatusCollector)(nil)

// NewStatusCollector returns a collector for p. The pool label is the label
// given with WithLabel, or host:port/database.
//
// Example:
//
//	prometheus.MustRegister(tenantdb.NewStatusCollector(pool))
func NewStatusCollector(p *Pool) *StatusCollector {
	labels := prometheus.Labels{"pool": p.label}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("tenantdb", "pool", name), help, nil, labels)
	}
	return &StatusCollector{
		pool:      p,
		size:      desc("connections", "Current number of connections, idle and in use."),
		maxSize:   desc("max_connections", "Maximum number of connections."),
		available: desc("idle_connections", "Connections idle in the pool."),
		inUse:     desc("in_use_connections", "Connections held by callers."),
		waiting:   desc("waiting_callers", "Callers queued for a connection."),
		closed:    desc("closed", "1 once the pool is closed."),
	}
}

// Describe implements prometheus.Collector.
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.maxSize
	ch <- c.available
	ch <- c.inUse
	ch <- c.waiting
	ch <- c.closed
}

// Collect implements prometheus.Collector.
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.DebugSnapshot()
	inUse := s.Size - s.Available
	if inUse < 0 {
		inUse = 0
	}
	closed := 0.0
	if s.IsClosed {
		closed = 1
	}

	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(s.MaxSize))
	ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(s.Available))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(inUse))
	ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(s.Waiting))
	ch <- prometheus.MustNewConstMetric(c.closed, prometheus.GaugeValue, closed)
}
