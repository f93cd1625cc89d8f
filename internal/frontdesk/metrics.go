package frontdesk

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/frontdesk/internal/queue"
	"github.com/linnemanlabs/frontdesk/internal/triage"
)

// Metrics holds Prometheus metrics for the triage pipeline. A nil *Metrics
// records nothing.
type Metrics struct {
	SubmitsTotal           *prometheus.CounterVec
	VerdictsTotal          *prometheus.CounterVec
	DegradedVerdictsTotal  *prometheus.CounterVec
	SignalsTotal           *prometheus.CounterVec
	ReasonerDuration       *prometheus.HistogramVec
	RetrievalDegradedTotal prometheus.Counter
	QueueDepth             *prometheus.GaugeVec
	DispatchWait           *prometheus.HistogramVec
	NotificationsTotal     *prometheus.CounterVec
	GuidelineRebuilds      *prometheus.CounterVec
	GuidelineChunks        prometheus.Gauge
	GuidelineBuildDuration prometheus.Histogram
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_inquiries_total",
			Help: "Total inquiries submitted by channel and result.",
		}, []string{"channel", "result"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_verdicts_total",
			Help: "Total triage verdicts by urgency level and source.",
		}, []string{"level", "source"}),
		DegradedVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_verdicts_degraded_total",
			Help: "Total verdicts produced by the fallback path, by urgency level.",
		}, []string{"level"}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_signals_detected_total",
			Help: "Critical-symptom signals detected, by phrase.",
		}, []string{"signal"}),
		ReasonerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frontdesk_reasoner_call_duration_seconds",
			Help:    "Duration of reasoning capability calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}, []string{"result"}),
		RetrievalDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_retrieval_degraded_total",
			Help: "Inquiries scored without guideline context because retrieval failed.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frontdesk_queue_pending",
			Help: "Pending cases by urgency level.",
		}, []string{"level"}),
		DispatchWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frontdesk_queue_wait_seconds",
			Help:    "Time from submission to dispatch to staff, by urgency level.",
			Buckets: prometheus.ExponentialBuckets(15, 2, 10), // 15s .. ~2h
		}, []string{"level"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_staff_notifications_total",
			Help: "Staff escalation notifications by result.",
		}, []string{"result"}),
		GuidelineRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_guideline_rebuilds_total",
			Help: "Guideline index builds by result.",
		}, []string{"result"}),
		GuidelineChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frontdesk_guideline_chunks",
			Help: "Chunks in the serving guideline index.",
		}),
		GuidelineBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "frontdesk_guideline_build_duration_seconds",
			Help:    "Duration of guideline index builds in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.VerdictsTotal,
		m.DegradedVerdictsTotal,
		m.SignalsTotal,
		m.ReasonerDuration,
		m.RetrievalDegradedTotal,
		m.QueueDepth,
		m.DispatchWait,
		m.NotificationsTotal,
		m.GuidelineRebuilds,
		m.GuidelineChunks,
		m.GuidelineBuildDuration,
	)

	return m
}

func levelLabel(l triage.Level) string {
	return strconv.Itoa(int(l))
}

// EngineHooks returns triage.EngineHooks that record scorer metrics.
func (m *Metrics) EngineHooks() triage.EngineHooks {
	if m == nil {
		return triage.EngineHooks{}
	}
	return triage.EngineHooks{
		OnReason: func(d time.Duration, err error) {
			result := "ok"
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				result = "timeout"
			case err != nil:
				result = "error"
			}
			m.ReasonerDuration.WithLabelValues(result).Observe(d.Seconds())
		},
		OnVerdict: func(v *triage.Verdict) {
			level := levelLabel(v.UrgencyLevel)
			m.VerdictsTotal.WithLabelValues(level, string(v.Source)).Inc()
			if v.Degraded {
				m.DegradedVerdictsTotal.WithLabelValues(level).Inc()
			}
			// phrases come from a fixed table, so cardinality is bounded
			for _, s := range v.DetectedSignals {
				m.SignalsTotal.WithLabelValues(s).Inc()
			}
		},
	}
}

// QueueHooks returns queue.Hooks that record queue metrics.
func (m *Metrics) QueueHooks() queue.Hooks {
	if m == nil {
		return queue.Hooks{}
	}
	return queue.Hooks{
		OnDepth: func(l triage.Level, n int) {
			m.QueueDepth.WithLabelValues(levelLabel(l)).Set(float64(n))
		},
		OnDispatch: func(l triage.Level, wait time.Duration) {
			m.DispatchWait.WithLabelValues(levelLabel(l)).Observe(wait.Seconds())
		},
	}
}

// ObserveRebuild records a guideline index build. It matches
// guideline.Library.OnRebuild.
func (m *Metrics) ObserveRebuild(chunks int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.GuidelineBuildDuration.Observe(d.Seconds())
	if err != nil {
		m.GuidelineRebuilds.WithLabelValues("error").Inc()
		return
	}
	m.GuidelineRebuilds.WithLabelValues("ok").Inc()
	m.GuidelineChunks.Set(float64(chunks))
}

func (m *Metrics) submit(channel, result string) {
	if m == nil {
		return
	}
	if _, err := queue.ParseChannel(channel); err != nil {
		channel = "unknown"
	}
	m.SubmitsTotal.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) retrievalDegraded() {
	if m == nil {
		return
	}
	m.RetrievalDegradedTotal.Inc()
}

func (m *Metrics) notification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}
