package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "batchrunner_"

// Reasons an instance was terminated.
const (
	TerminationRecruitFailed = "recruit_failed"
	TerminationFailedWorker  = "failed_worker"
	TerminationExcessWorker  = "excess_worker"
	TerminationFinal         = "final"
	TerminationAborted       = "aborted"
)

// Frame outcomes.
const (
	FrameFinished       = "finished"
	FrameComputeFailed  = "compute_failed"
	FrameTimedOut       = "timed_out"
	FrameRetrieveFailed = "retrieve_failed"
)

type Metrics struct {
	frameOutcomes         *prometheus.CounterVec
	frameDuration         prometheus.Histogram
	instancesLaunched     prometheus.Counter
	instancesTerminated   *prometheus.CounterVec
	terminationFailures   prometheus.Counter
	workersWorking        prometheus.Gauge
	framesPending         prometheus.Gauge
	framesFinished        prometheus.Gauge
	autoscaleLatency      prometheus.Histogram
	autoscaleRecruitments prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		frameOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "frame_attempts_total",
			Help: "Number of frame attempts grouped by outcome",
		}, []string{"outcome"}),
		frameDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricPrefix + "frame_duration_seconds",
			Help:    "Time taken to compute and retrieve a frame that finished",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		instancesLaunched: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "instances_launched_total",
			Help: "Number of instances launched",
		}),
		instancesTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "instances_terminated_total",
			Help: "Number of instances terminated grouped by reason",
		}, []string{"reason"}),
		terminationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "termination_failures_total",
			Help: "Number of instances whose termination could not be confirmed",
		}),
		workersWorking: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "workers_working",
			Help: "Number of instances currently running a worker loop",
		}),
		framesPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "frames_pending",
			Help: "Number of frames waiting to be claimed",
		}),
		framesFinished: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "frames_finished",
			Help: "Number of frames finished",
		}),
		autoscaleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricPrefix + "autoscale_latency_seconds",
			Help:    "Autoscale loop iteration latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		autoscaleRecruitments: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "autoscale_recruitments_total",
			Help: "Number of recruit-and-run units started by the autoscaler",
		}),
	}
}

// NewNoopMetrics returns collectors registered nowhere.
func NewNoopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) RecordFrameOutcome(outcome string) {
	m.frameOutcomes.With(map[string]string{"outcome": outcome}).Inc()
}

func (m *Metrics) RecordFrameDuration(d time.Duration) {
	m.frameDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordLaunched(n int) {
	m.instancesLaunched.Add(float64(n))
}

func (m *Metrics) RecordTerminated(reason string, n int) {
	m.instancesTerminated.With(map[string]string{"reason": reason}).Add(float64(n))
}

func (m *Metrics) RecordTerminationFailures(n int) {
	m.terminationFailures.Add(float64(n))
}

func (m *Metrics) SetWorkersWorking(n int) {
	m.workersWorking.Set(float64(n))
}

func (m *Metrics) SetFrameCounts(pending int, finished int) {
	m.framesPending.Set(float64(pending))
	m.framesFinished.Set(float64(finished))
}

func (m *Metrics) RecordAutoscaleIteration(d time.Duration) {
	m.autoscaleLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordAutoscaleRecruitment() {
	m.autoscaleRecruitments.Inc()
}
