package policy

import (
	"context"

	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
)

// FixedTime 定时控制：按相位表顺序轮转相位组，使用名义时长
type FixedTime struct{}

// NewFixedTime 创建定时控制策略
// 功能：创建不读取排队数据的基线策略
// 返回：FixedTime实例
func NewFixedTime() *FixedTime {
	return &FixedTime{}
}

func (p *FixedTime) Name() string { return "fixed" }

func (p *FixedTime) Mode() signal.Mode { return signal.ModeCyclic }

func (p *FixedTime) Observe(*telemetry.QueueSnapshot, float64, signal.View) {}

// DecisionDue 只在组边界决策，组内相位按名义时长自动推进
func (p *FixedTime) DecisionDue(view signal.View) bool {
	return view.Awaiting
}

// Decide 选择相位表中的下一相位组
// 参数：view-控制器视图，排队快照不参与决策
// 返回：选择下一相位组的决策，相位取该组的第一个相位
func (p *FixedTime) Decide(_ context.Context, _ *telemetry.QueueSnapshot, view signal.View) Decision {
	return Select(view.Table.NextGroup(view.Group()), p.Name())
}
