// 合成仿真器：进程内的随机排队模型，用于策略对比与测试
// 每条车道按伯努利过程到达，绿灯时按放行率驶离，停车数随启动波从停车线向后传播而减少
package synthetic

import (
	"context"
	"fmt"
	"math"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/phase"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/randengine"
)

var log = logrus.WithField("module", "synthetic")

// lane 车道状态
type lane struct {
	config.SyntheticLane
	vehicles int
	halting  int
	greenSec float64 // 本次绿灯已持续的秒数
	credit   float64 // 累积的放行能力（辆）
}

// Simulator 合成仿真器，实现entity.ISimulator
type Simulator struct {
	lanes   []*lane
	index   map[string]*lane
	rng     *randengine.Engine
	tickSec float64
	states  map[string]string // 信号灯ID -> 信号字符串
	colors  []mapv2.LightState
	arrived int
	tick    int
	width   int // 车道引用的最大连接下标+1
}

var _ entity.ISimulator = (*Simulator)(nil)

// New 创建合成仿真器
// 参数：c-仿真器配置，tickSec-每tick秒数
func New(c config.Simulator, tickSec float64) (*Simulator, error) {
	if tickSec <= 0 {
		return nil, fmt.Errorf("synthetic: tick length must be positive, got %v", tickSec)
	}
	s := &Simulator{
		index:   make(map[string]*lane, len(c.Synthetic)),
		rng:     randengine.New(c.Seed),
		tickSec: tickSec,
		states:  make(map[string]string),
	}
	for _, lc := range c.Synthetic {
		if _, ok := s.index[lc.ID]; ok {
			return nil, fmt.Errorf("synthetic: duplicate lane %s", lc.ID)
		}
		if len(lc.Links) == 0 {
			return nil, fmt.Errorf("synthetic: lane %s has no signal link", lc.ID)
		}
		if lc.ArrivalRate < 0 || lc.DischargeRate < 0 || lc.InitialQueue < 0 {
			return nil, fmt.Errorf("synthetic: lane %s has negative rates", lc.ID)
		}
		l := &lane{SyntheticLane: lc, vehicles: lc.InitialQueue, halting: lc.InitialQueue}
		s.lanes = append(s.lanes, l)
		s.index[lc.ID] = l
		s.width = max(s.width, lo.Max(lc.Links)+1)
	}
	return s, nil
}

// Step 推进一个tick
// 算法说明：
// 1. 到达：期望到达数rate*dt的整数部分必然到达，小数部分以伯努利概率到达
// 2. 绿灯：累积放行能力并逐辆驶离，停车数为车辆数减去启动波已覆盖的车辆数
// 3. 非绿灯：放行能力清零，所有车辆停车等待
func (s *Simulator) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tick++
	s.arrived = 0
	for _, l := range s.lanes {
		expected := l.ArrivalRate * s.tickSec
		arrivals := int(expected)
		if s.rng.PTrue(expected - float64(arrivals)) {
			arrivals++
		}
		l.vehicles += arrivals

		if !s.green(l) {
			l.greenSec = 0
			l.credit = 0
			l.halting = l.vehicles
			continue
		}
		l.greenSec += s.tickSec
		l.credit += l.DischargeRate * s.tickSec
		for l.credit >= 1 && l.vehicles > 0 {
			l.vehicles--
			l.credit--
			s.arrived++
		}
		if l.vehicles == 0 {
			l.credit = 0
		}
		moving := int(math.Floor(l.StartupWave * l.greenSec))
		if l.StartupWave <= 0 {
			moving = l.vehicles
		}
		l.halting = max(0, l.vehicles-moving)
	}
	return nil
}

// green 车道的任一连接为绿灯即可放行
func (s *Simulator) green(l *lane) bool {
	return lo.SomeBy(l.Links, func(i int) bool {
		return i < len(s.colors) && s.colors[i] == mapv2.LightState_LIGHT_STATE_GREEN
	})
}

func (s *Simulator) lane(id string) (*lane, error) {
	l, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", telemetry.ErrUnknownLane, id)
	}
	return l, nil
}

func (s *Simulator) LaneVehicleCount(id string) (int, error) {
	l, err := s.lane(id)
	if err != nil {
		return 0, err
	}
	return l.vehicles, nil
}

func (s *Simulator) LaneHaltingCount(id string) (int, error) {
	l, err := s.lane(id)
	if err != nil {
		return 0, err
	}
	return l.halting, nil
}

func (s *Simulator) ArrivedVehicleCount() int {
	return s.arrived
}

// SetSignalState 写入信号字符串，长度不足以覆盖车道连接时报错
func (s *Simulator) SetSignalState(tlsID string, state string) error {
	if len(state) < s.width {
		return fmt.Errorf("synthetic: state %q of %s shorter than %d links", state, tlsID, s.width)
	}
	s.states[tlsID] = state
	s.colors = phase.ParseSignal(state)
	log.Tracef("tick %d: %s -> %s", s.tick, tlsID, state)
	return nil
}

func (s *Simulator) SignalState(tlsID string) (string, error) {
	state, ok := s.states[tlsID]
	if !ok {
		return "", fmt.Errorf("synthetic: no signal state for %s", tlsID)
	}
	return state, nil
}

func (s *Simulator) Close() error {
	return nil
}
