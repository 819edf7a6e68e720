package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wristlink/wristlink/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay metrics to Prometheus.
type RelayObserver struct {
	requestTotal   *prometheus.CounterVec
	requestLatency prometheus.Histogram
	pairLatency    prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
	pushTotal      *prometheus.CounterVec
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wristlink_relay_requests_total",
			Help: "Relay requests by operation and result.",
		}, []string{"op", "result"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wristlink_relay_request_latency_seconds",
			Help:    "Relay request handling latency.",
			Buckets: prometheus.DefBuckets,
		}),
		pairLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wristlink_relay_pair_latency_seconds",
			Help:    "Latency from pairing initiate to code redemption.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wristlink_relay_queue_depth",
			Help: "Pending entries per queue kind at last read.",
		}, []string{"kind"}),
		pushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wristlink_relay_push_total",
			Help: "Push hint dispatch outcomes.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		o.requestTotal,
		o.requestLatency,
		o.pairLatency,
		o.queueDepth,
		o.pushTotal,
	)
	return o
}

func (o *RelayObserver) Request(op observability.Op, result observability.RequestResult, d time.Duration) {
	o.requestTotal.WithLabelValues(string(op), string(result)).Inc()
	o.requestLatency.Observe(d.Seconds())
}

func (o *RelayObserver) PairingCompleted(d time.Duration) {
	o.pairLatency.Observe(d.Seconds())
}

func (o *RelayObserver) QueueDepth(kind observability.QueueKind, n int) {
	o.queueDepth.WithLabelValues(string(kind)).Set(float64(n))
}

func (o *RelayObserver) Push(result observability.PushResult) {
	o.pushTotal.WithLabelValues(string(result)).Inc()
}

// StreamObserver exports stream metrics to Prometheus.
type StreamObserver struct {
	streamGauge   prometheus.Gauge
	frameTotal    *prometheus.CounterVec
	frameErrors   *prometheus.CounterVec
	commandTotal  *prometheus.CounterVec
}

// NewStreamObserver registers stream metrics on the registry.
func NewStreamObserver(reg *prometheus.Registry) *StreamObserver {
	o := &StreamObserver{
		streamGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wristlink_stream_connections",
			Help: "Current websocket stream count.",
		}),
		frameTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wristlink_stream_frames_total",
			Help: "Stream frames by direction.",
		}, []string{"direction"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wristlink_stream_frame_errors_total",
			Help: "Stream frame read/write errors.",
		}, []string{"direction"}),
		commandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wristlink_stream_commands_total",
			Help: "Client stream command outcomes.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		o.streamGauge,
		o.frameTotal,
		o.frameErrors,
		o.commandTotal,
	)
	return o
}

func (o *StreamObserver) StreamCount(n int64) {
	o.streamGauge.Set(float64(n))
}

func (o *StreamObserver) Frame(direction observability.FrameDirection) {
	o.frameTotal.WithLabelValues(string(direction)).Inc()
}

func (o *StreamObserver) FrameError(direction observability.FrameDirection) {
	o.frameErrors.WithLabelValues(string(direction)).Inc()
}

func (o *StreamObserver) ClientCommand(result observability.RequestResult) {
	o.commandTotal.WithLabelValues(string(result)).Inc()
}
