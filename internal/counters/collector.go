package counters

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// OperationStats is everything one operation exposes to scrapers.
type OperationStats struct {
	Operation string
	Tables    []Snapshot
	// Pipeline holds monotonically increasing pipeline counters such as
	// channel drops or correlation misses, keyed by stage name.
	Pipeline map[string]uint64
	// Gauges holds instantaneous values such as live correlation records.
	Gauges map[string]float64
}

// Source produces stats on demand. It is called once per scrape.
type Source func() []OperationStats

// Collector exports counter snapshots as Prometheus metrics. It reads
// snapshots only, so scrapes never contend with producers.
type Collector struct {
	source   Source
	counter  *prometheus.Desc
	overflow *prometheus.Desc
	pipeline *prometheus.Desc
	gauge    *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		counter: prometheus.NewDesc(
			"branch_tracer_counter_total",
			"Aggregate counter value by operation, table and key.",
			[]string{"operation", "table", "key"}, nil,
		),
		overflow: prometheus.NewDesc(
			"branch_tracer_counter_overflow_total",
			"Increments that fell outside a table's key space.",
			[]string{"operation", "table"}, nil,
		),
		pipeline: prometheus.NewDesc(
			"branch_tracer_pipeline_total",
			"Pipeline counters such as emitted, dropped and missed records.",
			[]string{"operation", "stage"}, nil,
		),
		gauge: prometheus.NewDesc(
			"branch_tracer_pipeline_current",
			"Instantaneous pipeline values such as live correlation records.",
			[]string{"operation", "stage"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counter
	ch <- c.overflow
	ch <- c.pipeline
	ch <- c.gauge
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, op := range c.source() {
		for _, snap := range op.Tables {
			for i, key := range snap.Keys {
				if key == "" {
					continue
				}
				ch <- prometheus.MustNewConstMetric(c.counter, prometheus.CounterValue,
					float64(snap.Values[i]), op.Operation, snap.Name, key)
			}
			ch <- prometheus.MustNewConstMetric(c.overflow, prometheus.CounterValue,
				float64(snap.Overflow), op.Operation, snap.Name)
		}
		for _, stage := range sortedKeys(op.Pipeline) {
			ch <- prometheus.MustNewConstMetric(c.pipeline, prometheus.CounterValue,
				float64(op.Pipeline[stage]), op.Operation, stage)
		}
		for _, stage := range sortedKeys(op.Gauges) {
			ch <- prometheus.MustNewConstMetric(c.gauge, prometheus.GaugeValue,
				op.Gauges[stage], op.Operation, stage)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
