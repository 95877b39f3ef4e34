package task

import (
	"context"
	"fmt"
	"sync/atomic"

	"git.fiblab.net/sim/syncer/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/clock"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/phase"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy/advisor"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/ops"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/output"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

const (
	SelfName = "signal" // 本程序在模拟任务集群中的名字
)

var log = logrus.WithField("module", "task")

// Options 控制任务的可选协作方，均可为零值
type Options struct {
	RunID   string          // 为空时生成UUID
	Advisor advisor.Client  // llm策略的顾问客户端
	Outputs *output.Outputs // 运行结果输出
	Metrics *ops.Collector  // Prometheus指标
	Health  *ops.Health     // gRPC健康检查
	Status  *ops.Status     // 运行状态查询
	Sidecar *syncer.Sidecar // 分布式模式下与syncer的交互
	Serve   bool            // 是否由任务启动sidecar服务
}

// Context 控制任务上下文
// 功能：包含一次运行的所有组件和状态，由控制循环独占
// 说明：时钟、仿真器、排队汇总、信号控制器、决策策略、统计与输出
type Context struct {
	runID  string
	closed atomic.Bool

	clock         *clock.Clock
	runtimeConfig *config.RuntimeConfig

	sim        entity.ISimulator
	table      *phase.Table
	aggregator *telemetry.Aggregator
	controller *signal.Controller
	policy     policy.Policy
	stats      *Stats
	lastTotal  telemetry.Counts // 最近一个tick的排队总量

	recordedSwitches int // 已计入指标的切换次数

	outputs *output.Outputs
	metrics *ops.Collector
	health  *ops.Health
	status  *ops.Status

	// 辅助程序，处理分布式模式下相关调用，包括与syncer、其他服务的交互
	sidecar *syncer.Sidecar
	// sidecar close channel
	sidecarCloseCh chan struct{}
}

// NewContext 创建新的控制任务上下文
// 功能：根据运行时配置组装控制循环的所有组件
// 参数：rc-运行时配置，sim-仿真器协作方，opts-可选协作方
// 返回：初始化完成的Context实例；相位表或策略配置非法时返回错误
// 算法说明：
// 1. 构建相位表与排队汇总器
// 2. 创建决策策略，并按策略要求的模式创建信号控制器
// 3. 注册RPC服务到sidecar，启动sidecar服务（如果需要）
func NewContext(rc *config.RuntimeConfig, sim entity.ISimulator, opts Options) (*Context, error) {
	table, err := phase.FromConfig(rc.All.Intersection)
	if err != nil {
		return nil, err
	}
	mode, err := telemetry.ParseRewardMode(rc.C.RewardMode)
	if err != nil {
		return nil, err
	}
	aggregator := telemetry.New(sim, rc.All.Intersection.Approaches, rc.All.Intersection.Groups, mode)
	pol, err := policy.New(rc, table, aggregator, opts.Advisor)
	if err != nil {
		return nil, err
	}
	controller, err := signal.New(table, sim, signal.Options{
		TlsID:         rc.C.TlsID,
		Mode:          pol.Mode(),
		MinGreenTicks: rc.C.MinGreenTicks,
		YellowTicks:   rc.C.YellowTicks,
		InitialGroup:  rc.C.InitialGroup,
	})
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		runID:          opts.RunID,
		clock:          clock.New(rc.C.Step),
		runtimeConfig:  rc,
		sim:            sim,
		table:          table,
		aggregator:     aggregator,
		controller:     controller,
		policy:         pol,
		stats:          NewStats(table, aggregator.Approaches()),
		outputs:        opts.Outputs,
		metrics:        opts.Metrics,
		health:         opts.Health,
		status:         opts.Status,
		sidecar:        opts.Sidecar,
		sidecarCloseCh: make(chan struct{}, 1),
	}
	if ctx.runID == "" {
		ctx.runID = uuid.NewString()
	}
	if ctx.outputs == nil {
		ctx.outputs = output.NewOutputs(nil, nil)
	}
	if llm, ok := pol.(*policy.LLMAssisted); ok && ctx.metrics != nil {
		llm.SetHooks(policy.Hooks{
			OnCall:     ctx.metrics.RecordAdvisorCall,
			OnFallback: ctx.metrics.RecordFallback,
		})
	}

	if ctx.sidecar != nil {
		ctx.clock.Register(ctx.sidecar)
		if ctx.status != nil {
			ctx.status.Register(ctx.sidecar)
		}
		// sidecar协程，用于提供RPC服务
		if opts.Serve {
			go func() {
				if err := ctx.sidecar.Serve(); err != nil {
					log.Panicf("failed to serve: %v", err)
				}
				ctx.sidecarCloseCh <- struct{}{}
			}()
		} else {
			ctx.sidecarCloseCh <- struct{}{}
		}
	} else {
		ctx.sidecarCloseCh <- struct{}{}
	}

	log.Infof("run %s: tls %s, policy %s (%v), %d phases in groups %v",
		ctx.runID, rc.C.TlsID, pol.Name(), pol.Mode(), table.Len(), table.Groups())
	return ctx, nil
}

func (ctx *Context) RunID() string {
	return ctx.runID
}

func (ctx *Context) Clock() *clock.Clock {
	return ctx.clock
}

func (ctx *Context) Controller() *signal.Controller {
	return ctx.controller
}

func (ctx *Context) Policy() policy.Policy {
	return ctx.policy
}

func (ctx *Context) RuntimeConfig() *config.RuntimeConfig {
	return ctx.runtimeConfig
}

// Stop 请求控制循环在当前tick结束后停止
func (ctx *Context) Stop() {
	ctx.closed.Store(true)
}

// Close 释放仿真器连接与输出，等待sidecar退出
func (ctx *Context) Close() error {
	var errs []error
	if err := ctx.sim.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close simulator: %w", err))
	}
	if err := ctx.outputs.Close(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("close outputs: %w", err))
	}
	if ctx.sidecar != nil {
		ctx.sidecar.Close()
	}
	// wait for graceful stop
	<-ctx.sidecarCloseCh
	if len(errs) > 0 {
		return fmt.Errorf("task: %v", errs)
	}
	return nil
}
