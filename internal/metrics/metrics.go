package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CalibrationPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transmla_calibration_pass_duration_seconds",
		Help:    "Wall time of a full calibration pass",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"pass"})

	CalibrationBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transmla_calibration_batches_total",
		Help: "Calibration batches run through the model",
	})

	ActivationBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transmla_activation_bytes",
		Help: "Bytes held by the most recent calibration activation set",
	})

	HooksRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transmla_hooks_registered",
		Help: "Forward hooks currently attached to projections",
	})

	PCADuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transmla_pca_duration_seconds",
		Help:    "Time spent accumulating and diagonalizing a covariance",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	PCADamping = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transmla_pca_damping",
		Help:    "Diagonal damping added before eigendecomposition",
		Buckets: prometheus.ExponentialBuckets(1e-12, 10, 16),
	})

	TransformDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transmla_transform_duration_seconds",
		Help:    "Per-layer attention transform build time",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	LayersSpliced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transmla_layers_spliced_total",
		Help: "Attention modules swapped into the model",
	}, []string{"stage"})

	StagePerplexity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transmla_stage_perplexity",
		Help: "Perplexity measured after each pipeline stage",
	}, []string{"stage"})

	HostMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transmla_host_memory_allocated_bytes",
		Help: "Tracked bytes of host buffers held by the converter",
	})

	ConfigErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transmla_config_errors_total",
		Help: "Rejected conversion configurations",
	}, []string{"field"})
)

func RecordCalibrationPass(pass string, batches int, bytes int64, duration time.Duration) {
	CalibrationPassDuration.WithLabelValues(pass).Observe(duration.Seconds())
	CalibrationBatchesTotal.Add(float64(batches))
	ActivationBytes.Set(float64(bytes))
}

func RecordHooks(n int) {
	HooksRegistered.Add(float64(n))
}

func RecordPCA(damp float64, duration time.Duration) {
	PCADuration.Observe(duration.Seconds())
	PCADamping.Observe(damp)
}

func RecordTransform(stage string, duration time.Duration) {
	TransformDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordSplice(stage string, layers int) {
	LayersSpliced.WithLabelValues(stage).Add(float64(layers))
}

func RecordPerplexity(stage string, ppl float64) {
	StagePerplexity.WithLabelValues(stage).Set(ppl)
}

func RecordHostMemory(bytes int64) {
	HostMemoryAllocated.Set(float64(bytes))
}

func RecordConfigError(field string) {
	ConfigErrors.WithLabelValues(field).Inc()
}
