package policy

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy/advisor"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

// AdvisorStats 顾问调用统计
type AdvisorStats struct {
	Decisions    int            `json:"decisions"`
	APICalls     int            `json:"api_calls"`
	Fallbacks    int            `json:"fallbacks"`
	FallbackBy   map[string]int `json:"fallback_by"`
	TotalLatency time.Duration  `json:"total_latency"`
}

// AvgLatency 平均单次调用延迟
func (s AdvisorStats) AvgLatency() time.Duration {
	if s.APICalls == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.APICalls)
}

// Hooks 顾问调用的观测回调，均可为nil
type Hooks struct {
	OnCall     func(latency time.Duration, err error)
	OnFallback func(reason string)
}

// LLMAssisted 大模型辅助决策
// 说明：组边界时询问顾问；任何失败都回退为同一快照上的最大压力法决策，每次决策最多回退一次
// 顾问的选择同样计入回退策略的连续保持次数，回退决策与独立运行的最大压力法一致
type LLMAssisted struct {
	client   advisor.Client
	c        config.LLM
	tickSec  float64
	fallback *MaxPressure
	hooks    Hooks
	stats    AdvisorStats
}

// NewLLMAssisted 创建大模型辅助策略
// 参数：client-顾问客户端，c-顾问参数，mp-回退用的最大压力法参数，tickSec-每tick秒数
func NewLLMAssisted(client advisor.Client, c config.LLM, mp config.MaxPressure, tickSec float64) *LLMAssisted {
	return &LLMAssisted{
		client:   client,
		c:        c,
		tickSec:  tickSec,
		fallback: NewMaxPressure(mp),
		stats:    AdvisorStats{FallbackBy: make(map[string]int)},
	}
}

// SetHooks 设置观测回调
func (p *LLMAssisted) SetHooks(h Hooks) {
	p.hooks = h
}

func (p *LLMAssisted) Name() string { return "llm" }

func (p *LLMAssisted) Mode() signal.Mode { return signal.ModeCyclic }

func (p *LLMAssisted) Observe(*telemetry.QueueSnapshot, float64, signal.View) {}

func (p *LLMAssisted) DecisionDue(view signal.View) bool {
	return view.Awaiting
}

// Decide 询问顾问并解析回复
// 算法说明：
// 1. 每次尝试使用独立的超时；超时与传输错误最多重试max_retries次
// 2. 限流不重试；回复无法解析或超出词表不重试
// 3. 以上任何失败都回退为最大压力法
func (p *LLMAssisted) Decide(ctx context.Context, snap *telemetry.QueueSnapshot, view signal.View) Decision {
	p.stats.Decisions++
	prompt := advisor.BuildPrompt(advisor.PromptInput{
		Schema:       p.c.Schema,
		TimeSec:      float64(view.Tick) * p.tickSec,
		CurrentGroup: view.Group(),
		Groups:       view.Table.Groups(),
		GreenPhases:  greenNames(view),
		Snapshot:     snap,
		MinGreenSec:  p.c.MinGreenSec,
		MaxGreenSec:  p.c.MaxGreenSec,
	})

	var failure *advisor.Error
	for attempt := 0; attempt <= p.c.Retries(); attempt++ {
		text, err := p.query(ctx, prompt)
		if err == nil {
			d, perr := p.parse(text, view)
			if perr == nil {
				p.fallback.Track(view.Group(), d.Group)
				return d
			}
			failure = advisor.Classify(perr)
			break
		}
		failure = advisor.Classify(err)
		if !failure.Kind.Retryable() || ctx.Err() != nil {
			break
		}
		log.Debugf("advisor attempt %d failed: %v", attempt+1, err)
	}
	return p.fallbackDecision(snap, view, failure)
}

func (p *LLMAssisted) query(ctx context.Context, prompt string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.c.Timeout)
	defer cancel()
	start := time.Now()
	text, err := p.client.Query(attemptCtx, prompt)
	latency := time.Since(start)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = &advisor.Error{Kind: advisor.KindTimeout, Err: err}
	}
	p.stats.APICalls++
	p.stats.TotalLatency += latency
	if p.hooks.OnCall != nil {
		p.hooks.OnCall(latency, err)
	}
	return text, err
}

func (p *LLMAssisted) parse(text string, view signal.View) (Decision, error) {
	if p.c.Schema == advisor.SchemaPhaseDuration {
		name, sec, err := advisor.ParsePhaseDuration(text, greenNames(view), p.c.MinGreenSec, p.c.MaxGreenSec)
		if err != nil {
			return Decision{}, err
		}
		id, _ := view.Table.PhaseByName(name)
		d := Select(view.Table.Phase(id).Group, p.Name())
		d.Phase = id
		d.DurationTicks = int(math.Round(sec / p.tickSec))
		return d, nil
	}
	group, err := advisor.ParseGroup(text, view.Table.Groups())
	if err != nil {
		return Decision{}, err
	}
	return Select(group, p.Name()), nil
}

func (p *LLMAssisted) fallbackDecision(snap *telemetry.QueueSnapshot, view signal.View, failure *advisor.Error) Decision {
	reason := "unknown"
	if failure != nil {
		reason = failure.Kind.String()
	}
	p.stats.Fallbacks++
	p.stats.FallbackBy[reason]++
	if p.hooks.OnFallback != nil {
		p.hooks.OnFallback(reason)
	}
	log.Debugf("advisor fallback (%s): %v", reason, failure)
	return Select(p.fallback.Choose(snap, view), "fallback:"+reason)
}

// Stats 顾问调用统计（副本）
func (p *LLMAssisted) Stats() AdvisorStats {
	s := p.stats
	s.FallbackBy = lo.Assign(p.stats.FallbackBy)
	return s
}

func (p *LLMAssisted) Report() map[string]any {
	return map[string]any{
		"decisions":      p.stats.Decisions,
		"api_calls":      p.stats.APICalls,
		"fallbacks":      p.stats.Fallbacks,
		"fallback_by":    lo.Assign(p.stats.FallbackBy),
		"avg_latency_ms": float64(p.stats.AvgLatency().Microseconds()) / 1000,
	}
}

func greenNames(view signal.View) []string {
	return lo.Map(view.Table.GreenPhases(), func(id int, _ int) string {
		return view.Table.Phase(id).Name
	})
}
