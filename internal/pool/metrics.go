package pool

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tunstack"

// Collector exports the usage of a Manager's pools and heap region.
type Collector struct {
	m *Manager

	capacity  *prometheus.Desc
	used      *prometheus.Desc
	highWater *prometheus.Desc
	failures  *prometheus.Desc

	heapSize     *prometheus.Desc
	heapUsed     *prometheus.Desc
	heapPeak     *prometheus.Desc
	heapFailures *prometheus.Desc
}

// NewCollector returns a prometheus.Collector reading from m on every scrape.
func NewCollector(m *Manager) *Collector {
	labels := []string{"kind"}
	return &Collector{
		m: m,
		capacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "capacity"),
			"Maximum number of objects the pool can hold.",
			labels, nil,
		),
		used: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "used"),
			"Objects currently taken from the pool.",
			labels, nil,
		),
		highWater: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "high_water"),
			"Largest number of objects taken at once.",
			labels, nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "failures_total"),
			"Requests refused because the pool or the allocator was exhausted.",
			labels, nil,
		),
		heapSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "size_bytes"),
			"Size of the heap region.",
			nil, nil,
		),
		heapUsed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "used_bytes"),
			"Bytes currently allocated from the heap region.",
			nil, nil,
		),
		heapPeak: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "peak_bytes"),
			"Largest number of bytes allocated at once.",
			nil, nil,
		),
		heapFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "failures_total"),
			"Heap requests refused.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.used
	ch <- c.highWater
	ch <- c.failures
	ch <- c.heapSize
	ch <- c.heapUsed
	ch <- c.heapPeak
	ch <- c.heapFailures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for _, s := range snap.Pools {
		kind := s.Kind.String()
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity), kind)
		ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(s.Used), kind)
		ch <- prometheus.MustNewConstMetric(c.highWater, prometheus.GaugeValue, float64(s.HighWater), kind)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.Failures), kind)
	}
	ch <- prometheus.MustNewConstMetric(c.heapSize, prometheus.GaugeValue, float64(snap.Heap.Size))
	ch <- prometheus.MustNewConstMetric(c.heapUsed, prometheus.GaugeValue, float64(snap.Heap.Used))
	ch <- prometheus.MustNewConstMetric(c.heapPeak, prometheus.GaugeValue, float64(snap.Heap.Peak))
	ch <- prometheus.MustNewConstMetric(c.heapFailures, prometheus.CounterValue, float64(snap.Heap.Failures))
}
