// Package observability provides gRPC interceptors and the metrics HTTP server.
package observability

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/observability/metrics"
)

// UnaryServerInterceptor logs unary calls (health checks, reflection).
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	logger := logging.WithComponent("grpc")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		st, _ := status.FromError(err)
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", st.Code().String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC unary call")

		return resp, err
	}
}

// StreamServerInterceptor records stream metrics and logs each transcription
// stream when it ends.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	logger := logging.WithComponent("grpc")
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		m.RecordStreamStart()

		err := handler(srv, ss)

		duration := time.Since(start)
		success := err == nil
		m.RecordStreamEnd(success, duration.Seconds())

		st, _ := status.FromError(err)
		ev := logger.Info()
		if !success {
			ev = logger.Warn().Str("error", st.Message())
		}
		if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
			ev = ev.Str("peer", p.Addr.String())
		}
		ev.Str("method", info.FullMethod).
			Str("code", st.Code().String()).
			Dur("duration", duration).
			Bool("success", success).
			Msg("gRPC stream completed")

		return err
	}
}
