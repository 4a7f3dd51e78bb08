// Package metrics exposes the daemon's Prometheus surface (SPEC_FULL.md
// AMBIENT STACK), grounded on the teacher's pkg/metrics: package-level
// collectors registered in init(), a Run(addr) that serves
// promhttp.Handler(), and an Observe helper fed from each vacuum.Result
// rather than from inside pkg/vacuum itself.
package metrics

import (
	"net/http"

	"github.com/containerlru/vacuumd/pkg/vacuum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	TotalRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vacuumd_runs_total",
			Help: "total vacuum runs completed",
		},
	)
	RunErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vacuumd_run_errors_total",
			Help: "total vacuum runs that returned an error",
		},
	)
	EngineErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vacuumd_engine_errors_total",
			Help: "errors that ended a supervisor generation or startup attempt, by the call site that failed",
		},
		[]string{"reason"},
	)
	ImagesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vacuumd_images_evicted_total",
			Help: "total images deleted across all vacuum runs",
		},
	)
	BytesFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vacuumd_bytes_freed_total",
			Help: "total bytes freed across all vacuum runs",
		},
	)
	ImageStoreUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vacuumd_image_store_usage_bytes",
			Help: "image store usage bytes as of the most recent vacuum run",
		},
	)
	ThresholdBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vacuumd_threshold_bytes",
			Help: "resolved threshold bytes as of the most recent vacuum run",
		},
	)
	ThresholdMet = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vacuumd_threshold_met",
			Help: "1 if the most recent vacuum run brought usage at or under threshold, else 0",
		},
	)
)

func init() {
	prometheus.MustRegister(TotalRuns)
	prometheus.MustRegister(RunErrors)
	prometheus.MustRegister(EngineErrors)
	prometheus.MustRegister(ImagesEvicted)
	prometheus.MustRegister(BytesFreed)
	prometheus.MustRegister(ImageStoreUsage)
	prometheus.MustRegister(ThresholdBytes)
	prometheus.MustRegister(ThresholdMet)
}

// Observe folds one vacuum.Result into the package's collectors. Called
// by the supervisor after every completed run, successful or not; a run
// that failed before producing a Result only counts towards TotalRuns
// and RunErrors.
func Observe(result *vacuum.Result, runErr error) {
	TotalRuns.Inc()
	if runErr != nil {
		RunErrors.Inc()
	}
	if result == nil {
		return
	}

	ImagesEvicted.Add(float64(len(result.Deleted)))
	BytesFreed.Add(float64(result.BytesFreed))
	ImageStoreUsage.Set(float64(result.FinalUsage))
	ThresholdBytes.Set(float64(result.ThresholdBytes))
	if result.ThresholdMet {
		ThresholdMet.Set(1)
	} else {
		ThresholdMet.Set(0)
	}
}

// ObserveEngineError increments the engine-error counter under the given
// reason label. The supervisor calls it when the startup reachability
// check, the event stream start, a timestamp persist or a vacuum run
// fails.
func ObserveEngineError(reason string) {
	EngineErrors.WithLabelValues(reason).Inc()
}

// Run serves the metrics endpoint. It blocks and is meant to be started
// in its own goroutine, mirroring the teacher's metrics.Run shape.
func Run(addr string) {
	logrus.WithField("name", "metrics").Infoln("starting metrics server on", addr)
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		logrus.WithField("name", "metrics").Errorln("metrics server stopped:", err)
	}
}
