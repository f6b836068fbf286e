package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics named for the gateway's own concerns: runs, pool pressure, and
// the STT/TTS uplink/downlink, replacing the connection-based metrics pattern and
// per-message counters.
var (
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "run",
		Name:      "active",
		Help:      "Number of runs currently streaming, keyed by nothing (single gauge, see RunsTotal for per-state counts).",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "run",
		Name:      "total",
		Help:      "Runs completed, labeled by terminal state (done, interrupted, timeout, error).",
	}, []string{"state"})

	ChatChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "run",
		Name:      "chat_chunks_total",
		Help:      "Assistant text deltas forwarded to clients across all runs.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of a run from accept to terminal state.",
		Buckets:   prometheus.DefBuckets,
	})

	PoolWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "pool",
		Name:      "wait_seconds",
		Help:      "Time a run spent waiting for a free worker before acquiring one.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	PoolUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "pool",
		Name:      "utilization_ratio",
		Help:      "Fraction of pool workers currently leased, in [0,1].",
	})

	SttConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "stt",
		Name:      "connect_seconds",
		Help:      "Time to establish an upstream STT socket connection.",
		Buckets:   prometheus.DefBuckets,
	})

	SttMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "stt",
		Name:      "messages_total",
		Help:      "Messages received from upstream STT links, labeled by message kind.",
	}, []string{"kind"})

	TtsConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "tts",
		Name:      "connect_seconds",
		Help:      "Time to establish an upstream TTS socket connection.",
		Buckets:   prometheus.DefBuckets,
	})

	TtsChunksSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "tts",
		Name:      "chunks_sent_total",
		Help:      "Text chunks forwarded to upstream TTS links for synthesis.",
	})

	RouterDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "router",
		Name:      "dispatch_total",
		Help:      "Router dispatch invocations, labeled by outcome (ok, error).",
	}, []string{"outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, labeled by method, request path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency, labeled by method and request path.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Browser websocket connections currently open.",
	})
)
