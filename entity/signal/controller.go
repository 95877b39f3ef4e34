// 信号控制器：推进相位、执行最小绿灯与黄灯清空等安全约束，并把信号字符串写入仿真器
// 控制器是相位状态的唯一修改者，决策策略只能通过SelectGroup/RequestSwitch/Retime请求变更
package signal

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/phase"
)

var log = logrus.WithField("module", "signal")

var (
	ErrMinGreenNotElapsed  = errors.New("signal: minimum green not elapsed")
	ErrClearanceInProgress = errors.New("signal: yellow clearance in progress")
	ErrNotAwaiting         = errors.New("signal: controller is not at a group boundary")
	ErrUnknownGroup        = errors.New("signal: unknown phase group")
	ErrUnknownPhase        = errors.New("signal: unknown or non-green target phase")
)

// Mode 绿灯结束方式
type Mode int

const (
	ModeCyclic   Mode = iota // 绿灯按有效时长自动结束
	ModeActuated             // 绿灯保持，直到策略请求切换
)

func (m Mode) String() string {
	switch m {
	case ModeCyclic:
		return "cyclic"
	case ModeActuated:
		return "actuated"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// State 控制器状态
type State struct {
	CurrentPhase   int // 当前相位下标
	TicksInPhase   int // 进入当前相位后经过的tick数
	LastSwitchTick int // 最近一次进入相位时的tick
}

// Options 控制器参数
type Options struct {
	TlsID         string
	Mode          Mode
	MinGreenTicks int
	YellowTicks   int
	InitialGroup  string // 为空时从相位表的第一组开始
}

// Controller 单路口信号控制器
type Controller struct {
	table  *phase.Table
	writer entity.ISignalWriter
	opts   Options

	state     State
	tick      int
	duration  int            // 当前相位的有效时长
	awaiting  bool           // 组内最后一个黄灯结束，等待选择下一组
	pending   int            // 黄灯结束后要进入的相位，-1表示无
	overrides map[string]int // 相位组 -> 绿灯总tick数，下次该组绿灯开始时生效

	written    string // 最近一次写入仿真器的信号字符串
	switches   int
	rejections int
}

// New 创建信号控制器
// 功能：初始化控制器并进入初始相位组的首个相位
// 参数：table-相位表，writer-信号写入端，opts-控制参数
// 返回：控制器，初始相位组不存在时返回错误
func New(table *phase.Table, writer entity.ISignalWriter, opts Options) (*Controller, error) {
	group := opts.InitialGroup
	if group == "" {
		group = table.Groups()[0]
	}
	if !table.HasGroup(group) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	c := &Controller{
		table:     table,
		writer:    writer,
		opts:      opts,
		pending:   -1,
		overrides: make(map[string]int),
	}
	c.enter(table.FirstPhase(group), 0)
	c.switches = 0
	return c, nil
}

// Tick 推进一个tick
// 算法说明：
// 1. 黄灯到时：有待切换目标则进入目标相位，否则进入组内下一相位；组内最后一个黄灯到时则进入等待决策状态
// 2. 循环模式下绿灯到时：进入其后的黄灯
// 3. 感应模式下绿灯保持，直到RequestSwitch
func (c *Controller) Tick() {
	c.tick++
	c.state.TicksInPhase++
	if c.awaiting {
		return
	}
	cur := c.state.CurrentPhase
	p := c.table.Phase(cur)
	if p.IsYellow() {
		if c.state.TicksInPhase < c.duration {
			return
		}
		if c.pending >= 0 {
			target := c.pending
			c.pending = -1
			c.enter(target, 0)
			return
		}
		if next, ok := c.table.NextInGroup(cur); ok {
			c.enter(next, 0)
			return
		}
		c.awaiting = true
		return
	}
	if c.opts.Mode == ModeCyclic && c.state.TicksInPhase >= c.duration {
		c.enter(c.table.YellowAfter(cur), 0)
	}
}

// SelectGroup 在组边界选择下一相位组
// 参数：group-相位组，phaseID-组内绿灯相位（-1为组内首相位），durationTicks-时长覆盖（0为不覆盖）
func (c *Controller) SelectGroup(group string, phaseID int, durationTicks int) error {
	if !c.awaiting {
		return ErrNotAwaiting
	}
	if !c.table.HasGroup(group) {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	if phaseID < 0 {
		phaseID = c.table.FirstPhase(group)
	}
	if !c.table.Valid(phaseID) || c.table.Phase(phaseID).Group != group || !c.table.Phase(phaseID).IsGreen() {
		return fmt.Errorf("%w: %d in group %q", ErrUnknownPhase, phaseID, group)
	}
	c.enter(phaseID, durationTicks)
	return nil
}

// RequestSwitch 请求提前结束当前绿灯并切换到目标绿灯相位
// 说明：总是先经过当前绿灯之后的黄灯；最小绿灯未满足或正处于黄灯时拒绝
func (c *Controller) RequestSwitch(target int) error {
	if !c.table.Valid(target) || !c.table.Phase(target).IsGreen() {
		return fmt.Errorf("%w: %d", ErrUnknownPhase, target)
	}
	cur := c.state.CurrentPhase
	if c.awaiting || c.table.Phase(cur).IsYellow() {
		c.rejections++
		return ErrClearanceInProgress
	}
	if c.tick-c.state.LastSwitchTick < c.opts.MinGreenTicks {
		c.rejections++
		return ErrMinGreenNotElapsed
	}
	c.pending = target
	c.enter(c.table.YellowAfter(cur), 0)
	return nil
}

// Retime 设置相位组的绿灯总时长，下次该组绿灯开始时生效
// 说明：组内有多个绿灯相位时按名义时长比例分配
func (c *Controller) Retime(greenTicks map[string]int) {
	for g, ticks := range greenTicks {
		if !c.table.HasGroup(g) || ticks <= 0 {
			log.Warnf("ignore retiming of group %q to %d ticks", g, ticks)
			continue
		}
		c.overrides[g] = ticks
	}
}

// AwaitingDecision 是否处于组边界等待决策
func (c *Controller) AwaitingDecision() bool {
	return c.awaiting
}

// State 当前状态
func (c *Controller) State() State {
	return c.state
}

// CurrentTick 当前tick数
func (c *Controller) CurrentTick() int {
	return c.tick
}

// Switches 相位切换次数（不含初始相位）
func (c *Controller) Switches() int {
	return c.switches
}

// Rejections 被拒绝的切换请求次数
func (c *Controller) Rejections() int {
	return c.rejections
}

// WriteSignal 将当前相位的信号字符串写入仿真器，仅在字符串变化时写入
// 返回：是否发生了写入
func (c *Controller) WriteSignal() (bool, error) {
	state := c.table.Phase(c.state.CurrentPhase).State
	if state == c.written {
		return false, nil
	}
	if err := c.writer.SetSignalState(c.opts.TlsID, state); err != nil {
		return false, fmt.Errorf("signal: write %q: %w", state, err)
	}
	c.written = state
	return true, nil
}

// View 只读视图
func (c *Controller) View() View {
	p := c.table.Phase(c.state.CurrentPhase)
	return View{
		State:         c.state,
		Tick:          c.tick,
		Phase:         p,
		PhaseDuration: c.duration,
		Awaiting:      c.awaiting,
		MinGreenTicks: c.opts.MinGreenTicks,
		YellowTicks:   c.opts.YellowTicks,
		Mode:          c.opts.Mode,
		Table:         c.table,
	}
}

func (c *Controller) enter(id int, override int) {
	prev := c.state.CurrentPhase
	c.state = State{CurrentPhase: id, TicksInPhase: 0, LastSwitchTick: c.tick}
	c.duration = c.effectiveDuration(id, override)
	c.awaiting = false
	c.switches++
	log.Debugf("tick %d: phase %d -> %d (%s), duration %d", c.tick, prev, id, c.table.Phase(id).Name, c.duration)
}

// effectiveDuration 相位的有效时长
// 说明：黄灯不短于yellowTicks；绿灯依次取显式覆盖、组重配时、名义时长，并不短于最小绿灯
func (c *Controller) effectiveDuration(id int, override int) int {
	p := c.table.Phase(id)
	if p.IsYellow() {
		return max(p.Duration, c.opts.YellowTicks)
	}
	d := p.Duration
	if override > 0 {
		d = override
	} else if total, ok := c.overrides[p.Group]; ok {
		nominal := 0
		for _, g := range c.table.GroupGreens(p.Group) {
			nominal += c.table.Phase(g).Duration
		}
		d = int(math.Round(float64(total) * float64(p.Duration) / float64(nominal)))
	}
	return max(d, c.opts.MinGreenTicks, 1)
}
