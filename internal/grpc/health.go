package server

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/tejusbharadwaj/vuecollect/internal/scheduler"
)

// ServiceName is the health service name reported for the collector.
const ServiceName = "vuecollect"

// StateSource reports the current scheduler state.
type StateSource interface {
	State() scheduler.State
}

// HealthChecker implements the gRPC health checking protocol
type HealthChecker struct {
	grpc_health_v1.UnimplementedHealthServer
	source StateSource
	mu     sync.RWMutex
	status map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

// NewHealthChecker registers the overall ("") and collector services as
// SERVING. Their reported status follows source while it is set.
func NewHealthChecker(source StateSource) *HealthChecker {
	return &HealthChecker{
		source: source,
		status: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			"":          grpc_health_v1.HealthCheckResponse_SERVING,
			ServiceName: grpc_health_v1.HealthCheckResponse_SERVING,
		},
	}
}

func (h *HealthChecker) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.status[req.Service]
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown service")
	}

	if st == grpc_health_v1.HealthCheckResponse_SERVING && h.source != nil && !collecting(h.source.State()) {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

func (h *HealthChecker) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watching is not supported")
}

// SetServingStatus sets the serving status of a service
func (h *HealthChecker) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[service] = status
}

// Shutdown marks every registered service NOT_SERVING.
func (h *HealthChecker) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for svc := range h.status {
		h.status[svc] = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
}

func collecting(st scheduler.State) bool {
	return st != scheduler.StateStartup && st != scheduler.StateStopped
}
