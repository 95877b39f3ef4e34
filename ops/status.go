package ops

import (
	"context"
	"net/http"
	"sync/atomic"

	"connectrpc.com/connect"
	"git.fiblab.net/sim/syncer/v3"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	StatusServiceName    = "signal.v1.StatusService"
	GetRunStatsProcedure = "/" + StatusServiceName + "/GetRunStats"
)

// Status 运行状态查询服务
// 说明：控制循环调用Publish发布状态副本，RPC只读取最近一次发布的副本
type Status struct {
	latest atomic.Pointer[structpb.Struct]
}

// NewStatus 创建运行状态查询服务
// 功能：初始化为空状态，控制循环发布前RPC返回空结构
// 返回：Status实例
func NewStatus() *Status {
	s := &Status{}
	s.latest.Store(&structpb.Struct{Fields: map[string]*structpb.Value{}})
	return s
}

// Publish 发布状态副本
// 参数：fields-只能包含structpb可表示的值（数字、字符串、布尔、map[string]any、[]any）
func (s *Status) Publish(fields map[string]any) error {
	v, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	s.latest.Store(v)
	return nil
}

// GetRunStats RPC接口，返回最近一次发布的状态
func (s *Status) GetRunStats(_ context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return connect.NewResponse(s.latest.Load()), nil
}

// Handler 构造connect处理器
func (s *Status) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(GetRunStatsProcedure, connect.NewUnaryHandler(GetRunStatsProcedure, s.GetRunStats, opts...))
	return "/" + StatusServiceName + "/", mux
}

// Register 将StatusService注册到sidecar
func (s *Status) Register(sidecar *syncer.Sidecar) {
	sidecar.Register(StatusServiceName, s.Handler, syncer.WithNoLock())
}
