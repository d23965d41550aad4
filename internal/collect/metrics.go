package collect

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of collection jobs.
type Metrics struct {
	RowsRead      prometheus.Counter
	RowsSampled   prometheus.Counter
	ValuesEmitted *prometheus.CounterVec
	ValuesReduced *prometheus.CounterVec
	SketchMerges  prometheus.Counter
	TaskDuration  *prometheus.HistogramVec
	DictSize      *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	rowsRead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cube_collect_rows_read_total",
		Help: "Total input rows read by mappers",
	})

	rowsSampled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cube_collect_rows_sampled_total",
		Help: "Total input rows added to cuboid sketches",
	})

	valuesEmitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cube_collect_values_emitted_total",
		Help: "Total shuffle records emitted by mappers",
	}, []string{"role"})

	valuesReduced := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cube_collect_values_reduced_total",
		Help: "Total shuffle keys handled by reducers",
	}, []string{"role"})

	sketchMerges := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cube_collect_sketch_merges_total",
		Help: "Total partial cuboid sketches merged",
	})

	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cube_collect_task_duration_seconds",
		Help:    "Duration of reduce tasks",
		Buckets: prometheus.DefBuckets,
	}, []string{"role"})

	dictSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cube_collect_dictionary_cardinality",
		Help: "Cardinality of the last dictionary built per column",
	}, []string{"column"})

	reg.MustRegister(rowsRead, rowsSampled, valuesEmitted, valuesReduced, sketchMerges, taskDuration, dictSize)

	return &Metrics{
		RowsRead:      rowsRead,
		RowsSampled:   rowsSampled,
		ValuesEmitted: valuesEmitted,
		ValuesReduced: valuesReduced,
		SketchMerges:  sketchMerges,
		TaskDuration:  taskDuration,
		DictSize:      dictSize,
	}
}

// nopMetrics registers against a throwaway registry so callers may omit
// metrics.
func nopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
