package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var transportStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat session API.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_client_handled_total",
			Help: "Total number of gRPC calls made to the identity provider.",
		},
		[]string{"grpc_method", "grpc_code"},
	)
	transportState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_transport_state",
			Help: "Current transport channel state (1 for the active state).",
		},
		[]string{"state"},
	)
	transportReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_transport_reconnects_total",
			Help: "Total number of transport reconnect cycles.",
		},
	)
	publishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_publish_failures_total",
			Help: "Total number of failed publishes by reason.",
		},
		[]string{"reason"},
	)
	framesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_frames_dropped_total",
			Help: "Total number of inbound frames dropped by reason.",
		},
		[]string{"reason"},
	)
	pollErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_poll_errors_total",
			Help: "Total number of failed poll or sync calls by source.",
		},
		[]string{"source"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active broker websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of broker websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		transportState,
		transportReconnectsTotal,
		publishFailuresTotal,
		framesDroppedTotal,
		pollErrorsTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		grpcClientHandledTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return err
	}
}

// SetTransportState flips the state gauge so exactly one state reads 1.
func SetTransportState(state string) {
	for _, s := range transportStates {
		value := 0.0
		if s == state {
			value = 1
		}
		transportState.WithLabelValues(s).Set(value)
	}
}

func IncReconnect() {
	transportReconnectsTotal.Inc()
}

func IncPublishFailure(reason string) {
	publishFailuresTotal.WithLabelValues(reason).Inc()
}

func IncFrameDropped(reason string) {
	framesDroppedTotal.WithLabelValues(reason).Inc()
}

func IncPollError(source string) {
	pollErrorsTotal.WithLabelValues(source).Inc()
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
