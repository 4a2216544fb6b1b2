package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage labels used with Metrics.StageError.
const (
	StageRead    = "read"
	StageThermal = "thermal"
	StageOptical = "optical"
	StageFusion  = "fusion"
	StageTrack   = "track"
	StageAlert   = "alert"
	StageEncode  = "encode"
	StagePanic   = "panic"
)

// Metrics holds the detection core's Prometheus collectors. All methods are
// safe on a nil receiver so callers can run without a registry.
type Metrics struct {
	framesRead      prometheus.Counter
	framesProcessed prometheus.Counter
	detectPasses    prometheus.Counter
	stageErrors     *prometheus.CounterVec
	hotspots        prometheus.Histogram
	alerts          *prometheus.CounterVec
	sinkDrops       *prometheus.CounterVec
	latency         prometheus.Histogram
	liveTracks      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resofly", Subsystem: "source", Name: "frames_read_total",
			Help: "Frames delivered by the frame source.",
		}),
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resofly", Subsystem: "pipeline", Name: "frames_processed_total",
			Help: "Frames annotated and encoded by the processor.",
		}),
		detectPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resofly", Subsystem: "pipeline", Name: "detection_passes_total",
			Help: "Frames that ran the full detection chain.",
		}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resofly", Subsystem: "pipeline", Name: "stage_errors_total",
			Help: "Recovered stage failures by stage.",
		}, []string{"stage"}),
		hotspots: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resofly", Subsystem: "pipeline", Name: "hotspots_per_pass",
			Help:    "Fused hotspots produced per detection pass.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resofly", Subsystem: "alerts", Name: "emitted_total",
			Help: "Alerts emitted by validation type.",
		}, []string{"validation"}),
		sinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resofly", Subsystem: "sink", Name: "dropped_total",
			Help: "Detection events dropped by sink and reason.",
		}, []string{"sink", "reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resofly", Subsystem: "pipeline", Name: "process_seconds",
			Help:    "Processor time per frame.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		liveTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resofly", Subsystem: "tracking", Name: "live_tracks",
			Help: "Tracks held by the tracker after the last detection pass.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.framesRead, m.framesProcessed, m.detectPasses, m.stageErrors,
		m.hotspots, m.alerts, m.sinkDrops, m.latency, m.liveTracks,
	}
}

// FrameRead counts one frame from the source.
func (m *Metrics) FrameRead() {
	if m != nil {
		m.framesRead.Inc()
	}
}

// FrameProcessed records one processed frame and its processing time.
func (m *Metrics) FrameProcessed(d time.Duration) {
	if m != nil {
		m.framesProcessed.Inc()
		m.latency.Observe(d.Seconds())
	}
}

// DetectionPass records one full detection pass.
func (m *Metrics) DetectionPass(hotspots, liveTracks int) {
	if m != nil {
		m.detectPasses.Inc()
		m.hotspots.Observe(float64(hotspots))
		m.liveTracks.Set(float64(liveTracks))
	}
}

// StageError counts a recovered failure in stage.
func (m *Metrics) StageError(stage string) {
	if m != nil {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}

// Alert counts one emitted alert.
func (m *Metrics) Alert(validation string) {
	if m != nil {
		m.alerts.WithLabelValues(validation).Inc()
	}
}

// SinkDrop counts one event a sink could not deliver.
func (m *Metrics) SinkDrop(sink, reason string) {
	if m != nil {
		m.sinkDrops.WithLabelValues(sink, reason).Inc()
	}
}
