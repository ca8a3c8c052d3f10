// Package observability holds the service's Prometheus metrics, gRPC
// interceptors that record them, and OpenTelemetry tracer setup.
package observability

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	messagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_messages_sent_total",
			Help: "Total number of messages appended to rooms.",
		},
	)
	messagesReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_messages_marked_read_total",
			Help: "Total number of read receipts flipped to true.",
		},
	)
	activeSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "huddle_active_subscriptions",
			Help: "Number of live subscriptions currently open.",
		},
		[]string{"kind"},
	)
	friendEdgePartialWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_friend_edge_partial_writes_total",
			Help: "Friend-edge writes that completed on one profile but failed on the other.",
		},
		[]string{"op"},
	)
	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_rate_limited_total",
			Help: "Requests rejected by the per-key rate limiter.",
		},
		[]string{"grpc_method"},
	)
	eventPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_event_publish_errors_total",
			Help: "Total number of domain event publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		grpcServerHandledTotal,
		messagesSentTotal,
		messagesReadTotal,
		rateLimitedTotal,
		activeSubscriptions,
		friendEdgePartialWritesTotal,
		eventPublishErrorsTotal,
	)
}

// GRPCServerMetricsUnaryInterceptor counts handled unary calls by code.
func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		observeHandled(info.FullMethod, err)
		return resp, err
	}
}

// GRPCServerMetricsStreamInterceptor counts handled streams by code.
func GRPCServerMetricsStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		observeHandled(info.FullMethod, err)
		return err
	}
}

func observeHandled(fullMethod string, err error) {
	service, method := splitFullMethod(fullMethod)
	grpcServerHandledTotal.WithLabelValues(service, method, status.Convert(err).Code().String()).Inc()
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncMessagesSent() {
	messagesSentTotal.Inc()
}

func AddMessagesRead(n int) {
	messagesReadTotal.Add(float64(n))
}

// TrackSubscription increments the open-subscription gauge for kind and
// returns the matching decrement.
func TrackSubscription(kind string) func() {
	g := activeSubscriptions.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

func IncFriendEdgePartialWrite(op string) {
	friendEdgePartialWritesTotal.WithLabelValues(op).Inc()
}

func IncEventPublishError() {
	eventPublishErrorsTotal.Inc()
}

// IncRateLimited counts a request rejected by the rate limiter.
func IncRateLimited(fullMethod string) {
	_, method := splitFullMethod(fullMethod)
	rateLimitedTotal.WithLabelValues(method).Inc()
}
