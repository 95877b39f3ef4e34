package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/signal"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

func ppoConfig(actionSpace, cadence string) config.PPO {
	return config.PPO{
		Gamma:         0.9,
		Lambda:        0.95,
		PolicyLR:      1e-3,
		ValueLR:       1e-3,
		Epochs:        2,
		MinibatchSize: 2,
		BatchSize:     4,
		LogitClip:     50,
		InitScale:     0.01,
		Seed:          7,
		ActionSpace:   actionSpace,
		Cadence:       cadence,
	}
}

func TestPPOLearnerRespectsMinGreen(t *testing.T) {
	tbl := twoGroups(t)
	p := policy.NewPPOLearner(ppoConfig(policy.ActionSpaceHoldSwitch, policy.CadenceEveryGreenTick), groups, groups)
	assert.Equal(t, signal.ModeActuated, p.Mode())

	// 绿灯仅5 tick，未满足最小绿灯，任何采样都只能保持
	v := viewAt(tbl, 0, 5, 0, false)
	assert.True(t, p.DecisionDue(v))
	for range 50 {
		d := p.Decide(context.Background(), queue(3, 9), v)
		assert.Equal(t, policy.ActionHold, d.Action)
		p.Observe(queue(3, 9), -9, v)
	}
}

func TestPPOLearnerSwitchTarget(t *testing.T) {
	tbl := twoGroups(t)
	p := policy.NewPPOLearner(ppoConfig(policy.ActionSpaceHoldSwitch, policy.CadenceEveryGreenTick), groups, groups)
	v := viewAt(tbl, 0, 50, 0, false)
	assert.False(t, p.DecisionDue(viewAt(tbl, 1, 52, 0, false)))

	seen := map[policy.Action]bool{}
	for range 200 {
		d := p.Decide(context.Background(), queue(1, 1), v)
		seen[d.Action] = true
		if d.Action == policy.ActionSwitch {
			assert.Equal(t, "SB", d.Group)
			assert.Equal(t, 2, d.Phase)
		}
		p.Observe(queue(1, 1), -1, v)
	}
	assert.True(t, seen[policy.ActionHold])
	assert.True(t, seen[policy.ActionSwitch])
}

func TestPPOLearnerUpdatesAndFlush(t *testing.T) {
	tbl := twoGroups(t)
	p := policy.NewPPOLearner(ppoConfig(policy.ActionSpaceHoldSwitch, policy.CadenceEveryGreenTick), groups, groups)
	v := viewAt(tbl, 0, 50, 0, false)

	// 第一次Observe没有待补全的经验
	p.Observe(queue(2, 2), -2, v)
	for range 5 {
		p.Decide(context.Background(), queue(2, 2), v)
		p.Observe(queue(2, 2), -2, v)
	}
	assert.Equal(t, 1, p.Updates())
	assert.Equal(t, 1, p.Report()["buffered"])

	p.Decide(context.Background(), queue(2, 2), v)
	p.Flush()
	assert.Equal(t, 2, p.Updates())
	assert.Equal(t, 0, p.Report()["buffered"])

	// 空buffer时Flush不更新
	p.Flush()
	assert.Equal(t, 2, p.Updates())
}

func TestPPOLearnerGroupBoundary(t *testing.T) {
	tbl := twoGroups(t)
	p := policy.NewPPOLearner(ppoConfig(policy.ActionSpaceChooseGroup, policy.CadenceGroupBoundary), groups, groups)
	assert.Equal(t, signal.ModeCyclic, p.Mode())
	assert.False(t, p.DecisionDue(viewAt(tbl, 0, 50, 0, false)))

	v := boundary(tbl)
	assert.True(t, p.DecisionDue(v))
	for range 20 {
		d := p.Decide(context.Background(), queue(4, 4), v)
		assert.Equal(t, policy.ActionSelect, d.Action)
		assert.Contains(t, groups, d.Group)
		p.Observe(queue(4, 4), -4, v)
	}
	assert.Equal(t, 20, p.Report()["decisions"])
}
