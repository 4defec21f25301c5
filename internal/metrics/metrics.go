package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accessory_gateway"

// Metrics 网关指标
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	PublishFailures   prometheus.Counter
	RateLimited       prometheus.Counter
	ErrorsPublished   *prometheus.CounterVec
	DevicesOnline     prometheus.Gauge
	StorageFailures   *prometheus.CounterVec
	TelemetryPoints   *prometheus.CounterVec
	MacroRuns         *prometheus.CounterVec
	Reconnects        prometheus.Counter
	Connected         prometheus.Gauge
}

// NewMetrics 创建指标（未注册）
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Inbound bus messages by resolved message type",
			},
			[]string{"type"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Inbound messages dropped before dispatch",
			},
			[]string{"reason"},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Outbound messages handed to the transport",
			},
			[]string{"qos"},
		),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "publish_failures_total",
			Help:      "Outbound publishes that failed or were dropped",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "blocked_total",
			Help:      "Messages rejected by the rate limiter",
		}),
		ErrorsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "published_total",
				Help:      "Error envelopes published by code and severity",
			},
			[]string{"code", "severity"},
		),
		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "online",
			Help:      "Devices currently online",
		}),
		StorageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "failures_total",
				Help:      "Failed storage writes by operation",
			},
			[]string{"operation"},
		),
		TelemetryPoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "points_total",
				Help:      "Telemetry points by outcome",
			},
			[]string{"outcome"},
		),
		MacroRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "macros",
				Name:      "runs_total",
				Help:      "Macro runs by terminal state",
			},
			[]string{"state"},
		),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts to the broker",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "connected",
			Help:      "1 when the broker session is up",
		}),
	}
}

// Register 注册到给定的 Registerer
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesDropped,
		m.MessagesPublished,
		m.PublishFailures,
		m.RateLimited,
		m.ErrorsPublished,
		m.DevicesOnline,
		m.StorageFailures,
		m.TelemetryPoints,
		m.MacroRuns,
		m.Reconnects,
		m.Connected,
	}
}

// NewRegistry 创建带 Go 运行时指标的 Registry 并注册网关指标
func NewRegistry(m *Metrics) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Handler 返回 /metrics 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
