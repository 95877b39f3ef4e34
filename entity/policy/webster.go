// Webster配时与PID反馈：按固定间隔统计流量计算周期与绿信比，并以平均停车数修正周期
package policy

import (
	"context"
	"math"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

const (
	maxFlowRatio  = 0.95
	maxTotalRatio = 0.99
	defaultRatio  = 0.1 // 相位组无车道（饱和流率为0）时的流量比
)

// Timing 一次Webster计算的结果（秒）
type Timing struct {
	FlowRatios map[string]float64
	TotalRatio float64
	CycleBase  float64            // Webster周期（限幅后）
	Cycle      float64            // PID修正后的周期
	Greens     map[string]float64 // 相位组绿灯时长
	Adjustment float64            // PID输出
	Error      float64            // PID误差
}

// WebsterTiming 根据各相位组的流量计算周期与绿灯时长
// 参数：c-Webster参数，groups-相位组顺序，flows-相位组流量（veh/h），lanes-相位组车道数
// 算法说明：
// 1. y_i = min(q_i / (s * n_i), 0.95)，Y = Σy_i，Y不超过0.99
// 2. L = 每相位损失时间 × 损失相位数，C = (1.5L + 5) / (1 - Y)，限幅到[minCycle, maxCycle]
// 3. 有效绿灯C - L按y_i/Y分配（Y为0时平均分配），不短于最小绿灯
func WebsterTiming(c config.Webster, groups []string, flows map[string]float64, lanes map[string]int) Timing {
	t := Timing{
		FlowRatios: make(map[string]float64, len(groups)),
		Greens:     make(map[string]float64, len(groups)),
	}
	for _, g := range groups {
		s := c.SaturationFlow * float64(lanes[g])
		y := defaultRatio
		if s > 0 {
			y = math.Min(flows[g]/s, maxFlowRatio)
		}
		t.FlowRatios[g] = y
		t.TotalRatio += y
	}
	t.TotalRatio = math.Min(t.TotalRatio, maxTotalRatio)

	lost := c.LostTimePerPhase * float64(c.LostPhases)
	cycle := (1.5*lost + 5) / math.Max(1e-6, 1-t.TotalRatio)
	t.CycleBase = clamp(cycle, c.MinCycle, c.MaxCycle)
	t.Cycle = t.CycleBase

	effective := t.CycleBase - lost
	for _, g := range groups {
		green := effective / float64(len(groups))
		if t.TotalRatio > 0 {
			green = t.FlowRatios[g] / t.TotalRatio * effective
		}
		t.Greens[g] = math.Max(green, c.MinGreen)
	}
	return t
}

// PID 位置式PID
type PID struct {
	c        config.PID
	integral float64
	prevErr  float64
}

// NewPID 创建PID控制器
// 参数：c-PID参数
// 返回：积分与上次误差均为0的PID实例
func NewPID(c config.PID) *PID {
	return &PID{c: c}
}

// Update 计算控制输出
// 参数：e-误差，T-控制周期（秒）
// 返回：u = Kp * (e + T/Ti * I + Td * de/T)，积分限幅±IntegralLimit，输出限幅±MaxAdjustment
func (p *PID) Update(e, T float64) float64 {
	p.integral = clamp(p.integral+e*T, -p.c.IntegralLimit, p.c.IntegralLimit)
	derivative := 0.
	if T > 0 {
		derivative = (e - p.prevErr) / T
	}
	integralTerm := 0.
	if p.c.Ti != 0 {
		integralTerm = T / p.c.Ti * p.integral
	}
	u := p.c.Kp * (e + integralTerm + p.c.Td*derivative)
	p.prevErr = e
	return clamp(u, -p.c.MaxAdjustment, p.c.MaxAdjustment)
}

// WebsterPID Webster配时 + PID周期修正
type WebsterPID struct {
	c           config.Webster
	interval    int     // 重新配时的tick间隔
	tickSec     float64 // 每tick秒数
	lanes       map[string]int
	pid         *PID
	pidEnabled  bool
	vehicleSum  map[string]float64
	haltingSum  map[string]float64
	samples     int
	last        *Timing
	retimeCount int
}

// NewWebsterPID 创建Webster+PID策略
// 参数：c-Webster参数，intervalTicks-重新配时间隔，tickSec-每tick秒数，lanes-相位组车道数
func NewWebsterPID(c config.Webster, intervalTicks int, tickSec float64, lanes map[string]int) *WebsterPID {
	return &WebsterPID{
		c:          c,
		interval:   intervalTicks,
		tickSec:    tickSec,
		lanes:      lanes,
		pid:        NewPID(c.PID),
		pidEnabled: c.PID.IsEnabled(),
		vehicleSum: make(map[string]float64),
		haltingSum: make(map[string]float64),
	}
}

func (p *WebsterPID) Name() string {
	return lo.Ternary(p.pidEnabled, "webster_pid", "webster")
}

func (p *WebsterPID) Mode() signal.Mode { return signal.ModeCyclic }

func (p *WebsterPID) Observe(snap *telemetry.QueueSnapshot, _ float64, view signal.View) {
	for _, g := range view.Table.Groups() {
		c := snap.Group(g)
		p.vehicleSum[g] += float64(c.Vehicles)
		p.haltingSum[g] += float64(c.Halting)
	}
	p.samples++
}

func (p *WebsterPID) DecisionDue(view signal.View) bool {
	return view.Awaiting || p.retimeDue(view)
}

func (p *WebsterPID) retimeDue(view signal.View) bool {
	return p.interval > 0 && view.Tick > 0 && view.Tick%p.interval == 0
}

// Decide 到达配时间隔时重新计算绿灯时长，到达组边界时按表中顺序选择下一组
func (p *WebsterPID) Decide(_ context.Context, _ *telemetry.QueueSnapshot, view signal.View) Decision {
	d := Hold(p.Name())
	if view.Awaiting {
		d = Select(view.Table.NextGroup(view.Group()), p.Name())
	}
	if p.retimeDue(view) {
		d.GreenTicks = p.retime(view.Table.Groups())
	}
	return d
}

// retime 用本间隔内的平均值计算新的绿灯时长并清空统计
func (p *WebsterPID) retime(groups []string) map[string]int {
	n := float64(max(p.samples, 1))
	T := float64(p.interval) * p.tickSec
	flows := make(map[string]float64, len(groups))
	meanHalting := 0.
	for _, g := range groups {
		avg := p.vehicleSum[g] / n
		if T > 0 {
			flows[g] = avg / T * 3600
		}
		meanHalting += p.haltingSum[g] / n
	}
	meanHalting /= float64(max(len(groups), 1))

	t := WebsterTiming(p.c, groups, flows, p.lanes)
	if p.pidEnabled {
		t.Error = -meanHalting
		t.Adjustment = p.pid.Update(t.Error, T)
		t.Cycle = clamp(t.CycleBase+t.Adjustment, p.c.MinCycle, p.c.MaxCycle)
		if t.CycleBase > 0 {
			scale := t.Cycle / t.CycleBase
			for g := range t.Greens {
				t.Greens[g] *= scale
			}
		}
	}
	p.last = &t
	p.retimeCount++
	p.vehicleSum = make(map[string]float64)
	p.haltingSum = make(map[string]float64)
	p.samples = 0

	log.Debugf("retime #%d: Y=%.3f C=%.1fs u=%.2f greens=%v", p.retimeCount, t.TotalRatio, t.Cycle, t.Adjustment, t.Greens)
	return lo.MapValues(t.Greens, func(sec float64, _ string) int {
		return int(math.Round(sec / p.tickSec))
	})
}

func (p *WebsterPID) Report() map[string]any {
	r := map[string]any{"retimings": p.retimeCount}
	if p.last != nil {
		r["cycle_sec"] = p.last.Cycle
		r["greens_sec"] = p.last.Greens
	}
	return r
}

func clamp(x, low, high float64) float64 {
	return math.Max(low, math.Min(high, x))
}
