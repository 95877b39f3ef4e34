package signal

import "github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/phase"

// View 控制器状态的只读快照，供决策策略使用
type View struct {
	State
	Tick          int
	Phase         phase.Phase
	PhaseDuration int
	Awaiting      bool
	MinGreenTicks int
	YellowTicks   int
	Mode          Mode
	Table         *phase.Table
}

// Group 当前相位组
func (v View) Group() string {
	return v.Phase.Group
}

// MinGreenElapsed 距上次切换是否已满足最小绿灯
func (v View) MinGreenElapsed() bool {
	return v.Tick-v.LastSwitchTick >= v.MinGreenTicks
}

// CanSwitch 当前是否允许请求切换
func (v View) CanSwitch() bool {
	return !v.Awaiting && v.Phase.IsGreen() && v.MinGreenElapsed()
}
