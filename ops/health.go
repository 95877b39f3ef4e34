package ops

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 健康检查中的服务名
const ServiceName = "signal"

// Health gRPC健康检查
// 说明：控制循环运行期间为SERVING，启动前与结束后为NOT_SERVING
type Health struct {
	*health.Server
	grpc *grpc.Server
}

// NewHealth 创建健康检查服务
// 功能：创建gRPC健康检查服务，初始状态为NOT_SERVING
// 返回：Health实例
func NewHealth() *Health {
	h := &Health{Server: health.NewServer()}
	h.SetServing(false)
	return h
}

// SetServing 设置控制器的服务状态
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus(ServiceName, status)
	h.SetServingStatus("", status)
}

// Serve 在addr上启动gRPC服务（后台协程）
func (h *Health) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops: listen health on %s: %w", addr, err)
	}
	h.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(h.grpc, h.Server)
	log.Infof("health listening on %s", lis.Addr())
	go func() {
		if err := h.grpc.Serve(lis); err != nil {
			log.Errorf("health server stopped: %v", err)
		}
	}()
	return nil
}

// Stop 标记为NOT_SERVING并关闭gRPC服务
func (h *Health) Stop() {
	h.Shutdown()
	if h.grpc != nil {
		h.grpc.GracefulStop()
	}
}
