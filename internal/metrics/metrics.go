// Package metrics exposes Prometheus collectors for runs, frames and persistence.
//
// A nil *Metrics is valid and records nothing, so library code can take one
// without forcing callers to register collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bjj"

// Metrics groups every collector the service reports
type Metrics struct {
	runs            *prometheus.CounterVec
	framesRead      prometheus.Counter
	framesProcessed prometheus.Counter
	detections      prometheus.Counter
	deadlineMisses  prometheus.Counter
	frameSeconds    prometheus.Histogram
	records         prometheus.Counter
	batches         *prometheus.CounterVec
	flushSeconds    prometheus.Histogram
	acquisitions    *prometheus.CounterVec
	acquireSeconds  prometheus.Histogram
	queueDepth      prometheus.Gauge
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"result", "kind"}),
		framesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Frames decoded from sources.",
		}),
		framesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames sent through pose inference.",
		}),
		detections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Processed frames in which a pose was found.",
		}),
		deadlineMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadline_misses_total",
			Help:      "Processed frames that took longer than one source frame interval.",
		}),
		frameSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_processing_seconds",
			Help:      "Per-frame inference, annotation and encode time.",
			Buckets:   prometheus.ExponentialBuckets(0.002, 2, 12),
		}),
		records: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_persisted_total",
			Help:      "Landmark records committed to the store.",
		}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Insert transactions by outcome.",
		}, []string{"result"}),
		flushSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_seconds",
			Help:      "Insert transaction latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		acquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Remote video fetches by outcome.",
		}, []string{"result"}),
		acquireSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquisition_seconds",
			Help:      "Remote fetch and trim time, retries included.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for the run worker.",
		}),
	}
}

func (m *Metrics) FrameRead() {
	if m == nil {
		return
	}
	m.framesRead.Inc()
}

// FrameProcessed records one inference frame and its end-to-end time
func (m *Metrics) FrameProcessed(d time.Duration, detected bool) {
	if m == nil {
		return
	}
	m.framesProcessed.Inc()
	m.frameSeconds.Observe(d.Seconds())
	if detected {
		m.detections.Inc()
	}
}

func (m *Metrics) DeadlineMissed() {
	if m == nil {
		return
	}
	m.deadlineMisses.Inc()
}

// Flushed records one insert transaction
func (m *Metrics) Flushed(records int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushSeconds.Observe(d.Seconds())
	if err != nil {
		m.batches.WithLabelValues("failed").Inc()
		return
	}
	m.batches.WithLabelValues("committed").Inc()
	m.records.Add(float64(records))
}

// RunFinished counts a run by outcome, labelling failures with their error kind
func (m *Metrics) RunFinished(err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.runs.WithLabelValues("succeeded", "").Inc()
		return
	}
	m.runs.WithLabelValues("failed", KindLabel(err)).Inc()
}

func (m *Metrics) Acquired(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.acquireSeconds.Observe(d.Seconds())
	if err != nil {
		m.acquisitions.WithLabelValues("failed").Inc()
		return
	}
	m.acquisitions.WithLabelValues("succeeded").Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// KindLabel maps an error to a short label value
func KindLabel(err error) string {
	switch kind := types.KindOf(err); {
	case kind == nil:
		return ""
	case errors.Is(kind, types.ErrValidation):
		return "validation"
	case errors.Is(kind, types.ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(kind, types.ErrSinkUnavailable):
		return "sink_unavailable"
	case errors.Is(kind, types.ErrAcquisition):
		return "acquisition"
	case errors.Is(kind, types.ErrPersistence):
		return "persistence"
	default:
		return "processing"
	}
}
