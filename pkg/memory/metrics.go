package memory

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exports heap statistics to Prometheus. It reads
// HeapManager.Snapshot, so it may be scraped while the mutator runs.
type StatsCollector struct {
	h       *HeapManager
	metrics []statMetric
}

type statMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Stats) int
}

// NewStatsCollector creates a collector for h. Metric names are prefixed
// with namespace when it is not empty.
func NewStatsCollector(h *HeapManager, namespace string) *StatsCollector {
	m := func(name, help string, kind prometheus.ValueType, value func(Stats) int) statMetric {
		return statMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "heap", name), help, nil, nil),
			kind:  kind,
			value: value,
		}
	}
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue
	return &StatsCollector{
		h: h,
		metrics: []statMetric{
			m("stack_scans_total", "Conservative frame scans performed.", counter,
				func(s Stats) int { return s.StackScans }),
			m("zct_sweeps_total", "Zero-count table sweeps performed.", counter,
				func(s Stats) int { return s.ZCTSweeps }),
			m("cycle_collections_total", "Trial deletion passes performed.", counter,
				func(s Stats) int { return s.CycleCollections }),
			m("cells_allocated_total", "Cells allocated.", counter,
				func(s Stats) int { return s.CellsAllocated }),
			m("cells_freed_total", "Cells reclaimed by any phase.", counter,
				func(s Stats) int { return s.CellsFreed }),
			m("cycle_cells_freed_total", "Cells reclaimed by trial deletion.", counter,
				func(s Stats) int { return s.CycleCellsFreed }),
			m("finalizers_run_total", "Finalizers invoked.", counter,
				func(s Stats) int { return s.FinalizersRun }),
			m("live_cells", "Cells currently allocated.", gauge,
				func(s Stats) int { return s.LiveCells }),
			m("live_bytes", "Bytes held by allocated cells, headers included.", gauge,
				func(s Stats) int { return s.LiveBytes }),
			m("max_cycle_threshold", "Largest cycle collection threshold reached.", gauge,
				func(s Stats) int { return s.MaxThreshold }),
			m("max_stack_words", "Largest frame stack scanned, in words.", gauge,
				func(s Stats) int { return s.MaxStackSize }),
			m("max_stack_cells", "Most cells pinned by a single frame scan.", gauge,
				func(s Stats) int { return s.MaxStackCells }),
			m("max_cycle_candidates", "Largest cycle candidate set observed.", gauge,
				func(s Stats) int { return s.CycleTableSize }),
		},
	}
}

// Describe implements prometheus.Collector
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.h.Snapshot()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, float64(m.value(s)))
	}
}
