package probe

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CounterKeys are the probe keys filters only ever increase. The collector
// exports them as Prometheus counters; every other numeric value is a gauge.
var CounterKeys = []string{
	"attempted", "succeeded", "faulted",
	"attempts", "retries", "exhausted", "recovered", "timedOut",
	"captured", "flushed", "discarded",
	"created", "reused", "disposed",
	"validated", "rejected", "waited", "assigned", "expired",
}

// Collector exports the numeric values of a probe tree to Prometheus:
// keys in CounterKeys as <namespace>_probe_total, the rest as
// <namespace>_probe_value. The source is probed again on every scrape.
//
//	reg.MustRegister(probe.NewCollector("filterbus", b.Probe))
type Collector struct {
	source   func(Context)
	counters map[string]bool
	counter  *prometheus.Desc
	gauge    *prometheus.Desc
}

// NewCollector creates a collector for the given probe source. Extra
// counter keys add to CounterKeys.
func NewCollector(namespace string, source func(Context), counterKeys ...string) *Collector {
	counters := make(map[string]bool, len(CounterKeys)+len(counterKeys))
	for _, k := range append(append([]string(nil), CounterKeys...), counterKeys...) {
		counters[k] = true
	}
	labels := []string{"path", "key"}
	return &Collector{
		source:   source,
		counters: counters,
		counter: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "probe", "total"),
			"Monotonic counter reported by a pipeline probe.",
			labels, nil,
		),
		gauge: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "probe", "value"),
			"Numeric value reported by a pipeline probe.",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counter
	ch <- c.gauge
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	tree := NewTree()
	c.source(tree)
	tree.Walk(func(path []string, key string, value any) {
		v, ok := toFloat(value)
		if !ok {
			return
		}
		desc, kind := c.gauge, prometheus.GaugeValue
		if c.counters[key] {
			desc, kind = c.counter, prometheus.CounterValue
		}
		ch <- prometheus.MustNewConstMetric(desc, kind, v, strings.Join(path, "/"), key)
	})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return n.Seconds(), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

var _ prometheus.Collector = (*Collector)(nil)
