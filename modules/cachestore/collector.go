package cachestore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports Store statistics to Prometheus. It reads Stats on every
// scrape and keeps no state of its own.
type Collector struct {
	store *Store

	entries       *prometheus.Desc
	hits          *prometheus.Desc
	misses        *prometheus.Desc
	expired       *prometheus.Desc
	evictions     *prometheus.Desc
	durableHits   *prometheus.Desc
	durableErrors *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for store; namespace prefixes metric names.
func NewCollector(store *Store, namespace string) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "cache", n) }
	return &Collector{
		store: store,
		entries: prometheus.NewDesc(name("entries"),
			"Live cache entries per tier and namespace.", []string{"tier", "namespace"}, nil),
		hits: prometheus.NewDesc(name("hits_total"),
			"Cache lookups that found a valid entry.", nil, nil),
		misses: prometheus.NewDesc(name("misses_total"),
			"Cache lookups that found nothing valid.", nil, nil),
		expired: prometheus.NewDesc(name("expired_total"),
			"Entries removed on read because their TTL had passed.", nil, nil),
		evictions: prometheus.NewDesc(name("evictions_total"),
			"Entries removed by their eviction timer.", nil, nil),
		durableHits: prometheus.NewDesc(name("durable_hits_total"),
			"Volatile misses served from the durable tier.", nil, nil),
		durableErrors: prometheus.NewDesc(name("durable_errors_total"),
			"Durable tier reads and writes that failed.", nil, nil),
	}
}

// Register adds the collector to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	return reg.Register(c)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.expired
	ch <- c.evictions
	ch <- c.durableHits
	ch <- c.durableErrors
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.store.Stats()
	for ns, n := range st.Namespaces {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(n.Volatile), "volatile", ns)
		if n.Durable >= 0 {
			ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(n.Durable), "durable", ns)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(st.Expired))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(st.Evictions))
	ch <- prometheus.MustNewConstMetric(c.durableHits, prometheus.CounterValue, float64(st.DurableHits))
	ch <- prometheus.MustNewConstMetric(c.durableErrors, prometheus.CounterValue, float64(st.DurableErrors))
}
