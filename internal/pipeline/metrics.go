package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/panelscope/internal/llm"
	"github.com/linnemanlabs/panelscope/internal/relevance"
	"github.com/linnemanlabs/panelscope/internal/vision"
)

// Hooks receive run lifecycle events. All fields are optional.
type Hooks struct {
	OnStage func(stage Stage, duration float64)
	OnPanel func(o *PanelOutcome)
	OnRun   func(r *Report)
}

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RunPanelsSelected prometheus.Histogram
	StageDuration     *prometheus.HistogramVec
	PanelsTotal       *prometheus.CounterVec
	PanelDuration     prometheus.Histogram
	ClassifyTotal     *prometheus.CounterVec
	ClassifyDuration  prometheus.Histogram
	AnalysesTotal     *prometheus.CounterVec
	AnalysisDuration  prometheus.Histogram
	LLMTokensIn       prometheus.Counter
	LLMTokensOut      prometheus.Counter
	SubmitsTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelscope_runs_total",
			Help: "Total pipeline runs by final stage.",
		}, []string{"stage"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "panelscope_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"strategy"}),
		RunPanelsSelected: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "panelscope_run_panels_selected",
			Help:    "Panels selected for analysis per run.",
			Buckets: prometheus.LinearBuckets(0, 2, 16), // 0 .. 30
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "panelscope_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~102s
		}, []string{"stage"}),
		PanelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelscope_panels_total",
			Help: "Total panels processed by status and the stage they ended in.",
		}, []string{"status", "stage"}),
		PanelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "panelscope_panel_duration_seconds",
			Help:    "Duration of a panel sub-pipeline in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
		ClassifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelscope_classify_total",
			Help: "Total relevance classification calls by result.",
		}, []string{"result"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "panelscope_classify_duration_seconds",
			Help:    "Duration of relevance classification calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}),
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelscope_analyses_total",
			Help: "Total vision analyses by result.",
		}, []string{"result"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "panelscope_analysis_duration_seconds",
			Help:    "Duration of vision analyses in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "panelscope_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed by vision analyses.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "panelscope_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed by vision analyses.",
		}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelscope_submits_total",
			Help: "Total analysis submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunPanelsSelected,
		m.StageDuration,
		m.PanelsTotal,
		m.PanelDuration,
		m.ClassifyTotal,
		m.ClassifyDuration,
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.SubmitsTotal,
	)

	return m
}

// Hooks returns pipeline Hooks that record run, stage and panel metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnStage: func(s Stage, duration float64) {
			m.StageDuration.WithLabelValues(string(s)).Observe(duration)
		},
		OnPanel: func(o *PanelOutcome) {
			m.PanelsTotal.WithLabelValues(string(o.Status), string(o.Stage)).Inc()
			m.PanelDuration.Observe(o.Duration)
		},
		OnRun: func(r *Report) {
			stage := string(r.Stage)
			if r.Stage != StageDone {
				stage = "failed_" + stage
			}
			m.RunsTotal.WithLabelValues(stage).Inc()
			m.RunDuration.WithLabelValues(string(r.Strategy)).Observe(r.Duration)
			m.RunPanelsSelected.Observe(float64(r.Selected))
		},
	}
}

// RelevanceHooks returns relevance hooks that record classification metrics.
func (m *Metrics) RelevanceHooks() relevance.Hooks {
	return relevance.Hooks{
		OnClassify: func(relevant bool, err error, duration float64) {
			result := "irrelevant"
			switch {
			case err != nil:
				result = "error"
			case relevant:
				result = "relevant"
			}
			m.ClassifyTotal.WithLabelValues(result).Inc()
			m.ClassifyDuration.Observe(duration)
		},
	}
}

// VisionHooks returns vision hooks that record analysis metrics.
func (m *Metrics) VisionHooks() vision.Hooks {
	return vision.Hooks{
		OnAnalyze: func(degraded bool, duration float64, usage llm.Usage) {
			result := "success"
			if degraded {
				result = "degraded"
			}
			m.AnalysesTotal.WithLabelValues(result).Inc()
			m.AnalysisDuration.Observe(duration)
			m.LLMTokensIn.Add(float64(usage.InputTokens))
			m.LLMTokensOut.Add(float64(usage.OutputTokens))
		},
	}
}
