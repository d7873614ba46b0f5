// Package metrics centralizes Caesium's self-observability counters and
// gauges, registered against the default Prometheus registry the same way
// the teacher exposes its own process metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SketchesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "caesium",
		Subsystem: "daemon",
		Name:      "sketches_dropped_total",
		Help:      "Sealed sketches dropped because the publish queue was full.",
	})

	InsertsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "caesium",
		Subsystem: "daemon",
		Name:      "inserts_rejected_total",
		Help:      "Insert publishes that failed after retrying.",
	})

	WriteQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "caesium",
		Subsystem: "server",
		Name:      "write_queue_depth",
		Help:      "Current number of jobs buffered in the write worker pool.",
	})

	ReadQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "caesium",
		Subsystem: "server",
		Name:      "read_queue_depth",
		Help:      "Current number of jobs buffered in the read worker pool.",
	})

	DownsampleRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "caesium",
		Subsystem: "server",
		Name:      "downsample_runs_total",
		Help:      "Completed downsampler passes.",
	})
)

func init() {
	prometheus.MustRegister(SketchesDropped, InsertsRejected, WriteQueueDepth, ReadQueueDepth, DownsampleRuns)
}
