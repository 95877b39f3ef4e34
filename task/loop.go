package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/output"
)

// prepare 准备阶段，每个tick执行一次
// 功能：推进仿真器与时钟，读取排队快照
// 算法说明：
// 1. 仿真器推进一步，失败即终止运行
// 2. 更新时钟
// 3. 汇总检测器数据并计算奖励；读取失败即终止运行
func (ctx *Context) prepare(c context.Context) (*telemetry.QueueSnapshot, float64, error) {
	if err := ctx.sim.Step(c); err != nil {
		return nil, 0, fmt.Errorf("simulator step at tick %d: %w", ctx.clock.Tick, err)
	}
	ctx.clock.Advance()
	snap, err := ctx.aggregator.Snapshot()
	if err != nil {
		return nil, 0, fmt.Errorf("telemetry at tick %d: %w", ctx.clock.Tick, err)
	}
	return snap, ctx.aggregator.Reward(snap), nil
}

// update 更新阶段，每个tick执行一次
// 功能：统计、策略观测、控制器推进、决策执行与信号写入
// 算法说明：
// 1. 以本tick生效的相位记录统计，再把快照交给策略观测
// 2. 控制器推进一个tick（黄灯清空、循环模式的绿灯到时）
// 3. 策略需要决策时调用Decide并把决策交给控制器执行
// 4. 组边界仍未选择相位组时，按相位表顺序进入下一组
// 5. 写入信号字符串，并把本tick的切换次数与学习器更新次数计入指标
func (ctx *Context) update(c context.Context, snap *telemetry.QueueSnapshot, reward float64) error {
	ctx.lastTotal = snap.Total
	ctx.stats.RecordTick(snap, reward, ctx.sim.ArrivedVehicleCount(), ctx.controller.State().CurrentPhase)
	ctx.policy.Observe(snap, reward, ctx.controller.View())

	ctx.controller.Tick()

	if view := ctx.controller.View(); ctx.policy.DecisionDue(view) {
		start := time.Now()
		d := ctx.policy.Decide(c, snap, view)
		ctx.stats.RecordDecision(d.Source, time.Since(start))
		if ctx.metrics != nil {
			ctx.metrics.RecordDecision(d.Source)
		}
		ctx.apply(d, snap)
	}
	if ctx.controller.AwaitingDecision() {
		next := ctx.table.NextGroup(ctx.controller.View().Group())
		if err := ctx.controller.SelectGroup(next, -1, 0); err != nil {
			return fmt.Errorf("select default group %q: %w", next, err)
		}
	}

	if _, err := ctx.controller.WriteSignal(); err != nil {
		return err
	}

	if ctx.metrics != nil {
		queue := make(map[string]int, len(snap.Approaches))
		halting := make(map[string]int, len(snap.Approaches))
		for id, cnt := range snap.Approaches {
			queue[id] = cnt.Vehicles
			halting[id] = cnt.Halting
		}
		ctx.metrics.RecordTick(queue, halting, reward)
		ctx.recordProgress()
	}
	return nil
}

// recordProgress 同步切换次数与学习器更新次数到指标
// 说明：切换次数取控制器计数的增量，覆盖决策触发的切换与循环模式下的自动推进
func (ctx *Context) recordProgress() {
	switches := ctx.controller.Switches()
	ctx.metrics.RecordSwitches(switches - ctx.recordedSwitches)
	ctx.recordedSwitches = switches
	if l, ok := ctx.policy.(*policy.PPOLearner); ok {
		ctx.metrics.SetLearnerUpdates(l.Updates())
	}
}

// apply 把决策交给控制器执行
// 说明：控制器拒绝的请求只记录，不影响运行
func (ctx *Context) apply(d policy.Decision, snap *telemetry.QueueSnapshot) {
	switch d.Action {
	case policy.ActionSelect:
		if !ctx.controller.AwaitingDecision() {
			log.Debugf("tick %d: ignore %s selection outside a group boundary", ctx.clock.Tick, d.Source)
			break
		}
		if err := ctx.controller.SelectGroup(d.Group, d.Phase, d.DurationTicks); err != nil {
			log.Warnf("tick %d: %s selection of %q rejected: %v", ctx.clock.Tick, d.Source, d.Group, err)
		}
	case policy.ActionSwitch:
		target := d.Phase
		if target < 0 {
			target = ctx.table.FirstPhase(d.Group)
		}
		if err := ctx.controller.RequestSwitch(target); err != nil {
			if ctx.metrics != nil {
				ctx.metrics.RecordRejection()
			}
			if !errors.Is(err, signal.ErrMinGreenNotElapsed) && !errors.Is(err, signal.ErrClearanceInProgress) {
				log.Warnf("tick %d: %s switch to phase %d rejected: %v", ctx.clock.Tick, d.Source, target, err)
			}
		}
	}
	if len(d.GreenTicks) > 0 {
		ctx.controller.Retime(d.GreenTicks)
	}
	if d.Action == policy.ActionHold && len(d.GreenTicks) == 0 {
		return
	}
	ctx.outputs.Publish(output.DecisionEvent{
		RunID:         ctx.runID,
		TlsID:         ctx.runtimeConfig.C.TlsID,
		Tick:          ctx.clock.Tick,
		TimeSec:       ctx.clock.T,
		Action:        d.Action.String(),
		Group:         d.Group,
		Phase:         d.Phase,
		DurationTicks: d.DurationTicks,
		GreenTicks:    d.GreenTicks,
		Source:        d.Source,
		Queue:         snap.Total.Vehicles,
		Halting:       snap.Total.Halting,
	})
}

// heartbeat 心跳日志与运行状态发布
func (ctx *Context) heartbeat() {
	hour, minute, second := ctx.clock.GetHourMinuteSecond()
	log.Infof(
		"STEP: %d(%d:%d:%.2f) phase %s, queue %d, halting %d, switches %d",
		ctx.clock.Tick,
		hour, minute, second,
		ctx.controller.View().Phase.Name, ctx.lastTotal.Vehicles, ctx.lastTotal.Halting, ctx.controller.Switches(),
	)
	if ctx.status == nil {
		return
	}
	err := ctx.status.Publish(map[string]any{
		"run_id":    ctx.runID,
		"tls_id":    ctx.runtimeConfig.C.TlsID,
		"policy":    ctx.policy.Name(),
		"tick":      ctx.clock.Tick,
		"time_sec":  ctx.clock.T,
		"phase":     ctx.controller.View().Phase.Name,
		"switches":  ctx.controller.Switches(),
		"decisions": ctx.stats.decisions,
		"queue":     ctx.lastTotal.Vehicles,
		"halting":   ctx.lastTotal.Halting,
	})
	if err != nil {
		log.Warnf("publish status: %v", err)
	}
}

// Run 运行控制循环
// 功能：在tick预算内逐tick推进仿真并执行信号控制，结束后输出运行摘要
// 参数：c-取消运行的上下文
// 返回：运行摘要；仿真器推进、检测器读取或信号写入失败时返回已有的摘要与错误
// 说明：c被取消或调用Stop后在当前tick结束时停止，仍然输出摘要
func (ctx *Context) Run(c context.Context) (*Summary, error) {
	if ctx.health != nil {
		ctx.health.SetServing(true)
	}
	// init syncer
	if ctx.sidecar != nil {
		ctx.sidecar.Step(false)
	}
	var runErr error
	interval := max(ctx.runtimeConfig.C.HeartbeatInterval, 1)
	for !ctx.clock.Done() {
		if err := c.Err(); err != nil {
			log.Warnf("run stopped at tick %d: %v", ctx.clock.Tick, err)
			break
		}
		if ctx.closed.Load() {
			log.Infof("run stopped at tick %d", ctx.clock.Tick)
			break
		}
		snap, reward, err := ctx.prepare(c)
		if err != nil {
			runErr = err
			break
		}
		if ctx.sidecar != nil {
			// 通知准备阶段完成
			ctx.sidecar.NotifyStepReady()
		}
		if err := ctx.update(c, snap, reward); err != nil {
			runErr = err
			break
		}
		if ctx.clock.Tick%interval == 0 {
			ctx.heartbeat()
		}
		if ctx.sidecar != nil && ctx.sidecar.Step(ctx.clock.Done()) {
			log.Infof("syncer requested close at tick %d", ctx.clock.Tick)
			break
		}
	}
	if runErr != nil {
		log.Errorf("run %s failed: %v", ctx.runID, runErr)
	}
	summary := ctx.finish()
	return summary, runErr
}

// finish 结束运行
// 功能：策略收尾、汇总统计并写入运行摘要
func (ctx *Context) finish() *Summary {
	if f, ok := ctx.policy.(policy.Flusher); ok {
		f.Flush()
	}
	sum := ctx.stats.Summary(ctx.clock.DT)
	sum.RunID = ctx.runID
	sum.TlsID = ctx.runtimeConfig.C.TlsID
	sum.Policy = ctx.policy.Name()
	sum.Switches = ctx.controller.Switches()
	sum.SwitchRejections = ctx.controller.Rejections()
	switch p := ctx.policy.(type) {
	case *policy.LLMAssisted:
		st := p.Stats()
		sum.Fallbacks = st.Fallbacks
		sum.FallbackBy = st.FallbackBy
		sum.APICalls = st.APICalls
		sum.AvgAdvisorLatencyMs = float64(st.AvgLatency().Microseconds()) / 1000
	case *policy.PPOLearner:
		sum.LearnerUpdates = p.Updates()
	}
	if r, ok := ctx.policy.(policy.Reporter); ok {
		sum.PolicyReport = r.Report()
	}
	if ctx.metrics != nil {
		// 收尾时的学习器更新
		ctx.recordProgress()
	}
	ctx.heartbeat()
	log.Infof("run %s finished after %d ticks: avg delay %.2fs, %d arrived, reward %.1f, %d switches",
		sum.RunID, sum.Ticks, sum.AvgDelaySec, sum.TotalArrived, sum.CumulativeReward, sum.Switches)

	if !ctx.outputs.Empty() {
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := ctx.outputs.WriteSummary(wctx, output.Record{
			RunID:     sum.RunID,
			TlsID:     sum.TlsID,
			Policy:    sum.Policy,
			CreatedAt: time.Now(),
			Summary:   sum,
		})
		if err != nil {
			log.Errorf("write summary: %v", err)
		}
	}
	if ctx.health != nil {
		ctx.health.SetServing(false)
	}
	return &sum
}
