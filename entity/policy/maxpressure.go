// 最大压力法：每个相位组结束后计算所有相位组的压力，选取压力最大的相位组
package policy

import (
	"context"

	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/container"
)

// MaxPressure 最大压力法
type MaxPressure struct {
	threshold   float64 // 切换死区
	metric      string  // queue|halting
	maxRepeat   int     // 当前相位组最多连续保持次数，0为不限制
	repeatCount int     // 当前相位组已连续保持的次数
}

// NewMaxPressure 创建最大压力法策略
// 参数：c-最大压力法参数（死区、压力指标、最大连续保持次数）
// 返回：MaxPressure实例
func NewMaxPressure(c config.MaxPressure) *MaxPressure {
	return &MaxPressure{
		threshold: c.Threshold,
		metric:    c.Metric,
		maxRepeat: c.MaxRepeat,
	}
}

func (p *MaxPressure) Name() string { return "max_pressure" }

func (p *MaxPressure) Mode() signal.Mode { return signal.ModeCyclic }

func (p *MaxPressure) Observe(*telemetry.QueueSnapshot, float64, signal.View) {}

func (p *MaxPressure) DecisionDue(view signal.View) bool {
	return view.Awaiting
}

// Decide 在组边界选择压力最大的相位组
func (p *MaxPressure) Decide(_ context.Context, snap *telemetry.QueueSnapshot, view signal.View) Decision {
	return Select(p.Choose(snap, view), p.Name())
}

// Pressure 相位组压力：该组车道的排队车辆数或停车车辆数
func (p *MaxPressure) Pressure(snap *telemetry.QueueSnapshot, group string) float64 {
	c := snap.Group(group)
	if p.metric == "halting" {
		return float64(c.Halting)
	}
	return float64(c.Vehicles)
}

// Choose 选择下一相位组
// 算法说明：
// 1. 当前相位组先入队，其余相位组按表中顺序入队，优先级为压力的相反数
// 2. 压力相同时先入队者优先，因此当前相位组在并列时胜出
// 3. 最大压力组与当前组的压力差不超过死区时保持当前组
// 4. 保持次数达到maxRepeat后强制切换到除当前组外压力最大的组
func (p *MaxPressure) Choose(snap *telemetry.QueueSnapshot, view signal.View) string {
	cur := view.Group()
	pressureHeap := container.NewPriorityQueue[string]()
	pressureHeap.Push(cur, -p.Pressure(snap, cur))
	for _, g := range view.Table.Groups() {
		if g != cur {
			pressureHeap.Push(g, -p.Pressure(snap, g))
		}
	}
	pressureHeap.Heapify()
	ranked := make([]string, 0, pressureHeap.Len())
	for pressureHeap.Len() > 0 {
		g, _ := pressureHeap.HeapPop()
		ranked = append(ranked, g)
	}

	best := ranked[0]
	if best != cur && p.Pressure(snap, best)-p.Pressure(snap, cur) <= p.threshold {
		best = cur
	}
	if best == cur && p.maxRepeat > 0 && p.repeatCount >= p.maxRepeat && len(ranked) > 1 {
		best = ranked[0]
		if best == cur {
			best = ranked[1]
		}
		log.Debugf("group %s held %d times, force %s", cur, p.repeatCount, best)
	}
	p.Track(cur, best)
	return best
}

// Track 记录一次组边界的实际选择，维护当前相位组的连续保持次数
// 参数：cur-边界前的相位组，chosen-实际进入的相位组
// 说明：决策来自其他来源（如顾问）时也应调用，使maxRepeat按实际保持次数生效
func (p *MaxPressure) Track(cur string, chosen string) {
	if chosen == cur {
		p.repeatCount++
		return
	}
	p.repeatCount = 0
}
