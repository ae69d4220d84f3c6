package investigation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/inquest/internal/tools"
)

// Metrics holds Prometheus metrics for the investigation subsystem.
type Metrics struct {
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  *prometheus.HistogramVec
	SessionLLMTime   *prometheus.HistogramVec
	SessionToolTime  prometheus.Histogram
	SessionTokensIn  prometheus.Histogram
	SessionTokensOut prometheus.Histogram
	SessionToolCalls prometheus.Histogram
	LLMCallsTotal    prometheus.Counter
	LLMTokensIn      prometheus.Counter
	LLMTokensOut     prometheus.Counter
	LLMDuration      prometheus.Histogram
	ToolCallsTotal   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ToolAttempts     *prometheus.HistogramVec
	ToolInputBytes   *prometheus.HistogramVec
	ToolOutputBytes  *prometheus.HistogramVec
	SubmitsTotal     *prometheus.CounterVec
	PublishesTotal   *prometheus.CounterVec
}

// NewMetrics registers and returns investigation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_sessions_total",
			Help: "Total investigation sessions by terminal state.",
		}, []string{"state", "failure_reason"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_session_duration_seconds",
			Help:    "Duration of investigation sessions in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"state", "model"}),
		SessionLLMTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_session_llm_time_seconds",
			Help:    "Total reasoning time per session in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"model"}),
		SessionToolTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_session_tool_time_seconds",
			Help:    "Total tool execution time per session in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
		SessionTokensIn: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_session_tokens_input",
			Help:    "Input tokens consumed per session.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		SessionTokensOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_session_tokens_output",
			Help:    "Output tokens consumed per session.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		SessionToolCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_session_tool_calls",
			Help:    "Tool calls per session.",
			Buckets: prometheus.LinearBuckets(0, 1, 16), // 0 .. 15
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_llm_calls_total",
			Help: "Total reasoning backend calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_llm_tokens_input_total",
			Help: "Total reasoning input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_llm_tokens_output_total",
			Help: "Total reasoning output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_llm_call_duration_seconds",
			Help:    "Duration of individual reasoning calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_tool_calls_total",
			Help: "Total gateway tool invocations by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_tool_duration_seconds",
			Help:    "Duration of gateway tool invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"tool"}),
		ToolAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_tool_attempts",
			Help:    "Attempts per gateway tool invocation, including retries.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}, []string{"tool"}),
		ToolInputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_tool_input_bytes",
			Help:    "Size of tool input in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
		ToolOutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_tool_output_bytes",
			Help:    "Size of tool output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_submits_total",
			Help: "Total alert submissions by disposition.",
		}, []string{"outcome"}),
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_publishes_total",
			Help: "Total report publications by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.SessionLLMTime,
		m.SessionToolTime,
		m.SessionTokensIn,
		m.SessionTokensOut,
		m.SessionToolCalls,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ToolAttempts,
		m.ToolInputBytes,
		m.ToolOutputBytes,
		m.SubmitsTotal,
		m.PublishesTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			m.SessionsTotal.WithLabelValues(string(e.State), string(e.FailureReason)).Inc()
			m.SessionDuration.WithLabelValues(string(e.State), e.Model).Observe(e.Duration)
			m.SessionLLMTime.WithLabelValues(e.Model).Observe(e.LLMTime)
			m.SessionToolTime.Observe(e.ToolTime)
			m.SessionTokensIn.Observe(float64(e.TokensIn))
			m.SessionTokensOut.Observe(float64(e.TokensOut))
			m.SessionToolCalls.Observe(float64(e.ToolCalls))
		},
	}
}

// ToolHook returns a gateway InvokeHook that increments the tool metrics.
func (m *Metrics) ToolHook() tools.InvokeHook {
	return func(name string, _ tools.Class, duration float64, attempts int, inputBytes, outputBytes int, err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.ToolCallsTotal.WithLabelValues(name, status).Inc()
		m.ToolDuration.WithLabelValues(name).Observe(duration)
		m.ToolAttempts.WithLabelValues(name).Observe(float64(attempts))
		m.ToolInputBytes.WithLabelValues(name).Observe(float64(inputBytes))
		m.ToolOutputBytes.WithLabelValues(name).Observe(float64(outputBytes))
	}
}

// SubmitHook returns a hook that counts submit dispositions.
func (m *Metrics) SubmitHook() SubmitHook {
	return func(outcome Outcome) {
		m.SubmitsTotal.WithLabelValues(string(outcome)).Inc()
	}
}

// PublishHook returns a hook that counts publish outcomes.
func (m *Metrics) PublishHook() PublishHook {
	return func(outcome string) {
		m.PublishesTotal.WithLabelValues(outcome).Inc()
	}
}
