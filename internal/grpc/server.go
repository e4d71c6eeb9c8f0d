package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	middleware "github.com/tejusbharadwaj/vuecollect/internal/grpc/middlewares"
	"github.com/tejusbharadwaj/vuecollect/internal/metrics"
)

// ServerConfig holds configuration options for the gRPC server
type ServerConfig struct {
	RateLimit      float64 // Requests per second
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimit:      5.0, // 5 requests per second
		RateLimitBurst: 10,  // Burst of 10 requests
	}
}

// SetupServer initializes the gRPC server with all middleware and
// registers the health service. m may be nil.
func SetupServer(health *HealthChecker, config ServerConfig, m *metrics.Metrics, logger logrus.FieldLogger) (*grpc.Server, error) {
	if config.RateLimit <= 0 || config.RateLimitBurst <= 0 {
		return nil, fmt.Errorf("invalid rate limit %.2f/s burst %d", config.RateLimit, config.RateLimitBurst)
	}

	interceptors := []grpc.UnaryServerInterceptor{
		middleware.ContextMiddleware, // Add request ID first
		middleware.NewRateLimitingInterceptor(rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimitBurst)),
		middleware.NewLoggingInterceptor(logger),
	}
	if m != nil {
		interceptors = append(interceptors, middleware.NewMetricsInterceptor(m.GRPCRequests, m.GRPCLatency))
	}

	server := grpc.NewServer(grpc.UnaryInterceptor(chainUnaryInterceptors(interceptors...)))
	grpc_health_v1.RegisterHealthServer(server, health)

	return server, nil
}

// Serve listens on addr until ctx is done, then stops gracefully.
func Serve(ctx context.Context, srv *grpc.Server, addr string, logger logrus.FieldLogger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.WithField("addr", lis.Addr().String()).Info("Starting gRPC health server")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// chainUnaryInterceptors creates a single interceptor from multiple interceptors
func chainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			chainedInterceptor := chain
			chain = func(currentCtx context.Context, currentReq interface{}) (interface{}, error) {
				return interceptor(currentCtx, currentReq, info, chainedInterceptor)
			}
		}
		return chain(ctx, req)
	}
}
