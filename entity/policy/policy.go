// 决策策略：在组边界或固定间隔根据排队快照决定下一步的信号控制动作
// 策略只产生Decision，由调用方交给信号控制器执行，策略本身不修改控制器状态
package policy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
)

var log = logrus.WithField("module", "policy")

// Action 决策动作
type Action int

const (
	ActionHold   Action = iota // 保持当前相位
	ActionSelect               // 在组边界选择下一相位组
	ActionSwitch               // 请求提前切换到目标绿灯相位
)

func (a Action) String() string {
	switch a {
	case ActionHold:
		return "hold"
	case ActionSelect:
		return "select"
	case ActionSwitch:
		return "switch"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Decision 一次决策的结果
type Decision struct {
	Action        Action
	Group         string         // 目标相位组（Select/Switch）
	Phase         int            // 目标绿灯相位，-1表示组内首相位
	DurationTicks int            // 绿灯时长覆盖，0为不覆盖
	GreenTicks    map[string]int // 相位组绿灯重配时，下次该组绿灯开始时生效
	Source        string         // 决策来源：策略名，或fallback:<原因>
}

// Hold 保持
func Hold(source string) Decision {
	return Decision{Action: ActionHold, Phase: -1, Source: source}
}

// Select 选择相位组
func Select(group string, source string) Decision {
	return Decision{Action: ActionSelect, Group: group, Phase: -1, Source: source}
}

// Switch 切换到指定绿灯相位
func Switch(group string, phaseID int, source string) Decision {
	return Decision{Action: ActionSwitch, Group: group, Phase: phaseID, Source: source}
}

// Policy 决策策略
type Policy interface {
	Name() string
	// Mode 策略要求的绿灯结束方式
	Mode() signal.Mode
	// Observe 每个tick调用一次，传入最新快照、由该快照计算的奖励与控制器视图
	Observe(snap *telemetry.QueueSnapshot, reward float64, view signal.View)
	// DecisionDue 当前tick是否需要决策
	DecisionDue(view signal.View) bool
	// Decide 产生决策，不返回错误：内部失败转化为回退决策
	Decide(ctx context.Context, snap *telemetry.QueueSnapshot, view signal.View) Decision
}

// Flusher 运行结束时需要收尾的策略（如学习器的最后一次更新）
type Flusher interface {
	Flush()
}

// Reporter 提供诊断计数的策略
type Reporter interface {
	Report() map[string]any
}
