package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentgate"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	recoveryTransitions *prometheus.CounterVec

	sessionHandles  prometheus.Gauge
	sessionResolves *prometheus.CounterVec

	backendCallTotal    *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec

	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
	toolGateWait           *prometheus.HistogramVec

	connectedClients prometheus.Gauge
	pipelineReloads  *prometheus.CounterVec

	transcriptWrites *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

// Backend and turn durations go well past the default buckets.
var slowBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Tasks waiting in a queue across all lanes.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total completed tasks by queue and status.",
				},
				[]string{"queue", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by queue.",
					Buckets:   slowBuckets,
				},
				[]string{"queue"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_total",
					Help:      "Submitted turns by agent and outcome (ok or error kind).",
				},
				[]string{"agent", "outcome"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "End-to-end turn duration by agent.",
					Buckets:   slowBuckets,
				},
				[]string{"agent"},
			),
			recoveryTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "recovery_transitions_total",
					Help:      "Recovery state machine transitions by target state.",
				},
				[]string{"state"},
			),
			sessionHandles: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "session_handles",
					Help:      "Session handles cached by this instance.",
				},
			),
			sessionResolves: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_resolve_total",
					Help:      "Session resolutions by outcome (cached, stored, created, adopted, error).",
				},
				[]string{"outcome"},
			),
			backendCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "backend_call_total",
					Help:      "Agent backend calls by operation and status.",
				},
				[]string{"op", "status"},
			),
			backendCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "backend_call_duration_seconds",
					Help:      "Agent backend call duration by operation.",
					Buckets:   slowBuckets,
				},
				[]string{"op"},
			),
			stageTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "pipeline_stage_total",
					Help:      "Pipeline stage executions by kind and status.",
				},
				[]string{"kind", "status"},
			),
			stageDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "pipeline_stage_duration_seconds",
					Help:      "Pipeline stage duration by kind.",
					Buckets:   slowBuckets,
				},
				[]string{"kind"},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_invocation_total",
					Help:      "Tool invocations by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_invocation_duration_seconds",
					Help:      "Tool invocation duration by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolGateWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_gate_wait_seconds",
					Help:      "Time spent waiting for the per-conversation tool gate.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"result"},
			),
			connectedClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "connected_clients",
					Help:      "WebSocket clients currently connected.",
				},
			),
			pipelineReloads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "pipeline_reload_total",
					Help:      "Pipeline definition reloads by status.",
				},
				[]string{"status"},
			),
			transcriptWrites: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "transcript_write_seconds",
					Help:      "Time spent appending to conversation transcripts.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnTotal,
			m.turnDuration,
			m.recoveryTransitions,
			m.sessionHandles,
			m.sessionResolves,
			m.backendCallTotal,
			m.backendCallDuration,
			m.stageTotal,
			m.stageDuration,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.toolGateWait,
			m.connectedClients,
			m.pipelineReloads,
			m.transcriptWrites,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(queue string, queued int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queued))
}

func RecordQueueCompletion(queue string, duration time.Duration, success bool, queued int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(queue, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(queue).Set(float64(queued))
}

// RecordTurn records a finished turn. outcome is "ok" or an error kind.
func RecordTurn(agent, outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(agent, outcome).Inc()
	m.turnDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordRecoveryTransition(state string) {
	getMetrics().recoveryTransitions.WithLabelValues(state).Inc()
}

func SetSessionHandles(count int) {
	getMetrics().sessionHandles.Set(float64(count))
}

func RecordSessionResolve(outcome string) {
	getMetrics().sessionResolves.WithLabelValues(outcome).Inc()
}

// RecordBackendCall records one backend call. status is "ok" or a short error class.
func RecordBackendCall(op, status string, duration time.Duration) {
	m := getMetrics()
	m.backendCallTotal.WithLabelValues(op, status).Inc()
	m.backendCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordStage(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	m.stageTotal.WithLabelValues(kind, statusLabel(success)).Inc()
	m.stageDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordToolInvocation(tool, outcome string, duration time.Duration) {
	m := getMetrics()
	m.toolInvocationTotal.WithLabelValues(tool, outcome).Inc()
	m.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordGateWait(wait time.Duration, acquired bool) {
	result := "acquired"
	if !acquired {
		result = "timeout"
	}
	getMetrics().toolGateWait.WithLabelValues(result).Observe(wait.Seconds())
}

func SetConnectedClients(count int) {
	getMetrics().connectedClients.Set(float64(count))
}

func RecordPipelineReload(success bool) {
	getMetrics().pipelineReloads.WithLabelValues(statusLabel(success)).Inc()
}

func RecordTranscriptWrite(duration time.Duration, success bool) {
	getMetrics().transcriptWrites.WithLabelValues(statusLabel(success)).Observe(duration.Seconds())
}
