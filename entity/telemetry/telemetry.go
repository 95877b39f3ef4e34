// 检测器数据汇总：读取被监测车道的车辆数与停车数，按进口道、相位组和总量汇总，并计算奖励
package telemetry

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

var (
	ErrUnknownLane  = errors.New("telemetry: unknown lane")
	ErrInvalidCount = errors.New("telemetry: negative lane count")
)

// ReadError 车道读取失败
type ReadError struct {
	Lane string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("telemetry: read lane %q: %v", e.Lane, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Counts 车辆数与停车数
type Counts struct {
	Vehicles int `json:"vehicles"`
	Halting  int `json:"halting"`
}

func (c Counts) add(o Counts) Counts {
	return Counts{Vehicles: c.Vehicles + o.Vehicles, Halting: c.Halting + o.Halting}
}

// QueueSnapshot 单个tick的排队快照
type QueueSnapshot struct {
	Lanes      map[string]Counts // 车道 -> 计数
	Approaches map[string]Counts // 进口道 -> 计数
	Groups     map[string]Counts // 相位组 -> 计数
	Total      Counts            // 所有进口道车道的总量（重复车道只计一次），只属于相位组的车道不计入
}

// Approach 进口道计数，不存在时为零值
func (s *QueueSnapshot) Approach(id string) Counts {
	return s.Approaches[id]
}

// Group 相位组计数，不存在时为零值
func (s *QueueSnapshot) Group(id string) Counts {
	return s.Groups[id]
}

// RewardMode 奖励计算方式
type RewardMode int

const (
	RewardHalting RewardMode = iota // 负的停车车辆总数
	RewardVehicle                   // 负的车辆总数
)

// ParseRewardMode 解析奖励计算方式
func ParseRewardMode(s string) (RewardMode, error) {
	switch s {
	case "", "halting":
		return RewardHalting, nil
	case "vehicle":
		return RewardVehicle, nil
	}
	return RewardHalting, fmt.Errorf("telemetry: unknown reward mode %q", s)
}

// Aggregator 检测器数据汇总器
type Aggregator struct {
	reader     entity.ILaneReader
	approaches []config.LaneSet
	groups     []config.LaneSet
	lanes      []string // 所有被读取的车道
	total      []string // 计入总量的进口道车道
	mode       RewardMode
}

// New 创建汇总器
// 参数：reader-车道读取端，approaches-进口道布局，groups-相位组布局，mode-奖励计算方式
func New(reader entity.ILaneReader, approaches, groups []config.LaneSet, mode RewardMode) *Aggregator {
	total := lo.Uniq(lo.FlatMap(approaches, func(s config.LaneSet, _ int) []string { return s.Lanes }))
	lanes := lo.Uniq(append(append([]string(nil), total...),
		lo.FlatMap(groups, func(s config.LaneSet, _ int) []string { return s.Lanes })...))
	return &Aggregator{
		reader:     reader,
		approaches: approaches,
		groups:     groups,
		lanes:      lanes,
		total:      total,
		mode:       mode,
	}
}

// Approaches 进口道ID（配置顺序）
func (a *Aggregator) Approaches() []string {
	return lo.Map(a.approaches, func(s config.LaneSet, _ int) string { return s.ID })
}

// GroupLanes 相位组的车道
func (a *Aggregator) GroupLanes(group string) []string {
	set, ok := lo.Find(a.groups, func(s config.LaneSet) bool { return s.ID == group })
	if !ok {
		return nil
	}
	return set.Lanes
}

// Snapshot 读取所有被监测车道并汇总
// 返回：排队快照；任一车道读取失败或计数为负时返回*ReadError
func (a *Aggregator) Snapshot() (*QueueSnapshot, error) {
	s := &QueueSnapshot{
		Lanes:      make(map[string]Counts, len(a.lanes)),
		Approaches: make(map[string]Counts, len(a.approaches)),
		Groups:     make(map[string]Counts, len(a.groups)),
	}
	for _, lane := range a.lanes {
		v, err := a.reader.LaneVehicleCount(lane)
		if err != nil {
			return nil, &ReadError{Lane: lane, Err: err}
		}
		h, err := a.reader.LaneHaltingCount(lane)
		if err != nil {
			return nil, &ReadError{Lane: lane, Err: err}
		}
		if v < 0 || h < 0 {
			return nil, &ReadError{Lane: lane, Err: ErrInvalidCount}
		}
		c := Counts{Vehicles: v, Halting: h}
		s.Lanes[lane] = c
	}
	s.Total = sum(s.Lanes, a.total)
	for _, set := range a.approaches {
		s.Approaches[set.ID] = sum(s.Lanes, set.Lanes)
	}
	for _, set := range a.groups {
		s.Groups[set.ID] = sum(s.Lanes, set.Lanes)
	}
	return s, nil
}

// Reward 根据快照计算奖励（纯函数，排队越少奖励越高）
func (a *Aggregator) Reward(s *QueueSnapshot) float64 {
	return Reward(a.mode, s)
}

// Reward 根据快照计算奖励
// 说明：奖励取进口道车道的总量，与按进口道统计的排队一致
func Reward(mode RewardMode, s *QueueSnapshot) float64 {
	if mode == RewardVehicle {
		return -float64(s.Total.Vehicles)
	}
	return -float64(s.Total.Halting)
}

func sum(lanes map[string]Counts, ids []string) Counts {
	var c Counts
	for _, id := range ids {
		c = c.add(lanes[id])
	}
	return c
}
