package policy

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/phase"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy/advisor"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

var ErrNoAdvisor = errors.New("policy: llm policy requires an advisor client")

// New 按配置创建决策策略
// 参数：rc-运行时配置，table-相位表，agg-排队汇总器（提供进口道与相位组车道），client-顾问客户端（仅llm策略需要）
func New(rc *config.RuntimeConfig, table *phase.Table, agg *telemetry.Aggregator, client advisor.Client) (Policy, error) {
	pc := rc.All.Policy
	switch rc.C.Policy {
	case config.PolicyFixed:
		return NewFixedTime(), nil
	case config.PolicyMaxPressure:
		return NewMaxPressure(pc.MaxPressure), nil
	case config.PolicyWebsterPID:
		lanes := lo.SliceToMap(table.Groups(), func(g string) (string, int) {
			return g, len(agg.GroupLanes(g))
		})
		return NewWebsterPID(pc.Webster, rc.C.DecisionIntervalTicks, rc.TickSeconds(), lanes), nil
	case config.PolicyPPO:
		return NewPPOLearner(pc.PPO, agg.Approaches(), table.Groups()), nil
	case config.PolicyLLM:
		if client == nil {
			return nil, ErrNoAdvisor
		}
		return NewLLMAssisted(client, pc.LLM, pc.MaxPressure, rc.TickSeconds()), nil
	}
	return nil, fmt.Errorf("policy: unknown policy %q", rc.C.Policy)
}
