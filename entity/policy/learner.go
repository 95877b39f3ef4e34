package policy

import (
	"context"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy/ppo"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/randengine"
)

// 决策节奏
const (
	CadenceEveryGreenTick = "every_green_tick" // 绿灯期间每tick决策保持或切换（感应控制）
	CadenceGroupBoundary  = "group_boundary"   // 仅在组边界决策
)

// 动作空间
const (
	ActionSpaceHoldSwitch  = "hold_switch"  // 0保持，1切换
	ActionSpaceChooseGroup = "choose_group" // 第i个动作选择第i个相位组
)

// pending 已决策但尚未得到奖励的经验
type pending struct {
	state   []float64
	action  int
	logProb float64
	value   float64
}

// PPOLearner 在线学习策略
// 说明：每次决策的经验由下一次Observe传入的奖励补全，即动作执行并推进仿真之后的奖励
type PPOLearner struct {
	learner     *ppo.Learner
	approaches  []string
	groups      []string
	cadence     string
	actionSpace string

	pending   *pending
	decisions int
	rejected  int // 采样为切换但当前不允许切换，记为保持
}

// NewPPOLearner 创建在线学习策略
// 参数：c-学习器参数，approaches-进口道（状态顺序），groups-相位组（动作顺序）
// 说明：状态为各进口道车辆数、各进口道停车数与当前相位下标
func NewPPOLearner(c config.PPO, approaches []string, groups []string) *PPOLearner {
	actionDim := 2
	if c.ActionSpace == ActionSpaceChooseGroup {
		actionDim = len(groups)
	}
	stateDim := 2*len(approaches) + 1
	return &PPOLearner{
		learner: ppo.New(ppo.Config{
			Gamma:         c.Gamma,
			Lambda:        c.Lambda,
			PolicyLR:      c.PolicyLR,
			ValueLR:       c.ValueLR,
			Epochs:        c.Epochs,
			MinibatchSize: c.MinibatchSize,
			BatchSize:     c.BatchSize,
			LogitClip:     c.LogitClip,
			InitScale:     c.InitScale,
		}, stateDim, actionDim, randengine.New(c.Seed)),
		approaches:  approaches,
		groups:      groups,
		cadence:     c.Cadence,
		actionSpace: c.ActionSpace,
	}
}

func (p *PPOLearner) Name() string { return "ppo" }

func (p *PPOLearner) Mode() signal.Mode {
	if p.cadence == CadenceGroupBoundary {
		return signal.ModeCyclic
	}
	return signal.ModeActuated
}

// Observe 用本tick的奖励补全上一次决策的经验
func (p *PPOLearner) Observe(_ *telemetry.QueueSnapshot, reward float64, _ signal.View) {
	if p.pending == nil {
		return
	}
	e := p.pending
	p.pending = nil
	p.learner.Record(ppo.Experience{
		State:   e.state,
		Action:  e.action,
		LogProb: e.logProb,
		Value:   e.value,
		Reward:  reward,
	})
}

func (p *PPOLearner) DecisionDue(view signal.View) bool {
	if p.cadence == CadenceGroupBoundary {
		return view.Awaiting
	}
	return !view.Awaiting && view.Phase.IsGreen()
}

func (p *PPOLearner) Decide(_ context.Context, snap *telemetry.QueueSnapshot, view signal.View) Decision {
	state := p.state(snap, view)
	action, logProb, value := p.learner.Act(state)
	p.decisions++

	var d Decision
	if p.cadence == CadenceGroupBoundary {
		d = p.boundaryDecision(action, view)
	} else {
		sampled := action
		d, action = p.greenTickDecision(action, view)
		if action != sampled {
			logProb = p.learner.LogProb(state, action)
		}
	}
	p.pending = &pending{state: state, action: action, logProb: logProb, value: value}
	return d
}

// boundaryDecision 组边界：保持当前组或切换到下一组，或直接选择相位组
func (p *PPOLearner) boundaryDecision(action int, view signal.View) Decision {
	cur := view.Group()
	if p.actionSpace == ActionSpaceChooseGroup {
		return Select(p.groups[action], p.Name())
	}
	if action == 1 {
		return Select(view.Table.NextGroup(cur), p.Name())
	}
	return Select(cur, p.Name())
}

// greenTickDecision 绿灯期间：保持或切换，不允许切换时按保持记录
// 返回：决策与实际执行的动作下标
func (p *PPOLearner) greenTickDecision(action int, view signal.View) (Decision, int) {
	cur := view.Group()
	hold := 0
	target := ""
	if p.actionSpace == ActionSpaceChooseGroup {
		_, hold, _ = lo.FindIndexOf(p.groups, func(g string) bool { return g == cur })
		if action != hold {
			target = p.groups[action]
		}
	} else if action == 1 {
		target = view.Table.NextGroup(cur)
	}
	if target == "" {
		return Hold(p.Name()), action
	}
	if !view.CanSwitch() {
		p.rejected++
		return Hold(p.Name()), hold
	}
	return Switch(target, view.Table.FirstPhase(target), p.Name()), action
}

// state 状态向量：各进口道车辆数、各进口道停车数、当前相位下标
func (p *PPOLearner) state(snap *telemetry.QueueSnapshot, view signal.View) []float64 {
	s := make([]float64, 0, 2*len(p.approaches)+1)
	for _, a := range p.approaches {
		s = append(s, float64(snap.Approach(a).Vehicles))
	}
	for _, a := range p.approaches {
		s = append(s, float64(snap.Approach(a).Halting))
	}
	return append(s, float64(view.CurrentPhase))
}

// Flush 运行结束：丢弃没有奖励的最后一条经验，用剩余经验做最后一次更新
func (p *PPOLearner) Flush() {
	p.pending = nil
	if p.learner.Buffered() > 0 {
		p.learner.Update()
	}
}

// Updates 已完成的更新次数
func (p *PPOLearner) Updates() int {
	return p.learner.Updates()
}

func (p *PPOLearner) Report() map[string]any {
	return map[string]any{
		"decisions":        p.decisions,
		"updates":          p.learner.Updates(),
		"buffered":         p.learner.Buffered(),
		"rejected_as_hold": p.rejected,
	}
}
