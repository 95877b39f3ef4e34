package task

import (
	"time"

	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/phase"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
)

// ApproachStats 单个进口道的平均排队
type ApproachStats struct {
	AvgQueue   float64 `json:"avg_queue" bson:"avg_queue"`
	AvgHalting float64 `json:"avg_halting" bson:"avg_halting"`
}

// Summary 一次运行的统计摘要
type Summary struct {
	RunID       string  `json:"run_id" bson:"run_id"`
	TlsID       string  `json:"tls_id" bson:"tls_id"`
	Policy      string  `json:"policy" bson:"policy"`
	Ticks       int     `json:"ticks" bson:"ticks"`
	TickSeconds float64 `json:"tick_seconds" bson:"tick_seconds"`

	Approaches      map[string]ApproachStats `json:"approaches" bson:"approaches"`
	GroupGreenRatio map[string]float64       `json:"group_green_ratio" bson:"group_green_ratio"`
	PhaseRatio      map[string]float64       `json:"phase_ratio" bson:"phase_ratio"`
	YellowRatio     float64                  `json:"yellow_ratio" bson:"yellow_ratio"`

	TotalArrived     int     `json:"total_arrived" bson:"total_arrived"`
	CumulativeReward float64 `json:"cumulative_reward" bson:"cumulative_reward"`
	TotalWaitingSec  float64 `json:"total_waiting_sec" bson:"total_waiting_sec"`
	AvgDelaySec      float64 `json:"avg_delay_sec" bson:"avg_delay_sec"`

	Decisions            int            `json:"decisions" bson:"decisions"`
	DecisionsBySource    map[string]int `json:"decisions_by_source" bson:"decisions_by_source"`
	AvgDecisionLatencyMs float64        `json:"avg_decision_latency_ms" bson:"avg_decision_latency_ms"`
	Fallbacks            int            `json:"fallbacks" bson:"fallbacks"`
	FallbackBy           map[string]int `json:"fallback_by,omitempty" bson:"fallback_by,omitempty"`
	APICalls             int            `json:"api_calls" bson:"api_calls"`
	AvgAdvisorLatencyMs  float64        `json:"avg_advisor_latency_ms" bson:"avg_advisor_latency_ms"`
	LearnerUpdates       int            `json:"learner_updates" bson:"learner_updates"`
	Switches             int            `json:"switches" bson:"switches"`
	SwitchRejections     int            `json:"switch_rejections" bson:"switch_rejections"`

	PolicyReport map[string]any `json:"policy_report,omitempty" bson:"policy_report,omitempty"`
}

// Stats 运行统计的累加器，只由控制循环修改
type Stats struct {
	table        *phase.Table
	approaches   []string
	queueSum     map[string]float64
	haltingSum   map[string]float64
	phaseTicks   []int
	ticks        int
	arrived      int
	reward       float64
	haltingTicks int // Σ每tick的总停车数

	decisions       int
	bySource        map[string]int
	decisionLatency time.Duration
}

// NewStats 创建运行统计累加器
// 参数：table-相位表，用于按相位统计时长；approaches-需要统计排队的进口道ID
// 返回：Stats实例
func NewStats(table *phase.Table, approaches []string) *Stats {
	return &Stats{
		table:      table,
		approaches: approaches,
		queueSum:   make(map[string]float64, len(approaches)),
		haltingSum: make(map[string]float64, len(approaches)),
		phaseTicks: make([]int, table.Len()),
		bySource:   make(map[string]int),
	}
}

// RecordTick 记录一个tick
// 参数：snap-本tick快照，reward-本tick奖励，arrived-本tick到达车辆数，phaseID-本tick内生效的相位
func (s *Stats) RecordTick(snap *telemetry.QueueSnapshot, reward float64, arrived int, phaseID int) {
	s.ticks++
	for _, a := range s.approaches {
		c := snap.Approach(a)
		s.queueSum[a] += float64(c.Vehicles)
		s.haltingSum[a] += float64(c.Halting)
	}
	s.haltingTicks += snap.Total.Halting
	s.arrived += arrived
	s.reward += reward
	if s.table.Valid(phaseID) {
		s.phaseTicks[phaseID]++
	}
}

// RecordDecision 记录一次决策
func (s *Stats) RecordDecision(source string, latency time.Duration) {
	s.decisions++
	s.bySource[source]++
	s.decisionLatency += latency
}

// Ticks 已记录的tick数
func (s *Stats) Ticks() int {
	return s.ticks
}

// Summary 计算统计摘要
// 说明：总等待时间 = Σ停车数 × tick长度，平均延误 = 总等待时间 / 到达车辆数（无到达时为0）
func (s *Stats) Summary(tickSec float64) Summary {
	sum := Summary{
		Ticks:             s.ticks,
		TickSeconds:       tickSec,
		Approaches:        make(map[string]ApproachStats, len(s.approaches)),
		GroupGreenRatio:   make(map[string]float64),
		PhaseRatio:        make(map[string]float64, len(s.phaseTicks)),
		TotalArrived:      s.arrived,
		CumulativeReward:  s.reward,
		TotalWaitingSec:   float64(s.haltingTicks) * tickSec,
		Decisions:         s.decisions,
		DecisionsBySource: make(map[string]int, len(s.bySource)),
	}
	for k, v := range s.bySource {
		sum.DecisionsBySource[k] = v
	}
	if s.decisions > 0 {
		sum.AvgDecisionLatencyMs = float64(s.decisionLatency.Microseconds()) / 1000 / float64(s.decisions)
	}
	if s.arrived > 0 {
		sum.AvgDelaySec = sum.TotalWaitingSec / float64(s.arrived)
	}
	if s.ticks == 0 {
		return sum
	}
	n := float64(s.ticks)
	for _, a := range s.approaches {
		sum.Approaches[a] = ApproachStats{
			AvgQueue:   s.queueSum[a] / n,
			AvgHalting: s.haltingSum[a] / n,
		}
	}
	for _, g := range s.table.Groups() {
		sum.GroupGreenRatio[g] = 0
	}
	for id, ticks := range s.phaseTicks {
		p := s.table.Phase(id)
		ratio := float64(ticks) / n
		sum.PhaseRatio[p.Name] = ratio
		if p.IsYellow() {
			sum.YellowRatio += ratio
		} else {
			sum.GroupGreenRatio[p.Group] += ratio
		}
	}
	return sum
}
