// Package metrics 定义流式对话相关的 Prometheus 指标。
// 所有方法对 nil 接收者安全，未启用指标时直接传 nil。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pagechat"

// StreamingMetrics 汇总 HTTP 请求与流式会话指标。
type StreamingMetrics struct {
	RequestsTotal          *prometheus.CounterVec
	RequestDuration        *prometheus.HistogramVec
	ActiveStreams          prometheus.Gauge
	TimeToFirstChunk       prometheus.Histogram
	StreamDurationSeconds  *prometheus.HistogramVec
	ErrorsTotal            *prometheus.CounterVec
	ClientDisconnectsTotal prometheus.Counter
}

// NewStreamingMetrics 在给定的 Registerer 上注册指标，测试中可传入独立的 registry。
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	f := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status code",
		}, []string{"route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streaming",
			Name:      "active_streams",
			Help:      "Number of streams currently being served",
		}),
		TimeToFirstChunk: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "streaming",
			Name:      "time_to_first_chunk_seconds",
			Help:      "Time from stream start to the first content chunk",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),
		StreamDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "streaming",
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration by outcome",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streaming",
			Name:      "errors_total",
			Help:      "Stream failures by error kind",
		}, []string{"kind"}),
		ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streaming",
			Name:      "client_disconnects_total",
			Help:      "Streams abandoned by the client before completion",
		}),
	}
}

func (m *StreamingMetrics) RecordRequest(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *StreamingMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded 记录流结束，outcome 取 done、error 或 disconnected。
func (m *StreamingMetrics) StreamEnded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *StreamingMetrics) RecordTimeToFirstChunk(d time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstChunk.Observe(d.Seconds())
}

func (m *StreamingMetrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *StreamingMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}
