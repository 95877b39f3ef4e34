package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy/advisor"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

type reply struct {
	text  string
	err   error
	block bool // 阻塞直到context结束
}

// scripted 按顺序返回预设回复的顾问，最后一条重复使用
type scripted struct {
	replies []reply
	prompts []string
}

func (s *scripted) Query(ctx context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.replies) == 0 {
		return `{"group": "EB"}`, nil
	}
	r := s.replies[min(len(s.prompts), len(s.replies))-1]
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.text, r.err
}

func llmConfig(schema string) config.LLM {
	return config.LLM{
		Timeout:     20 * time.Millisecond,
		MaxRetries:  lo.ToPtr(2),
		Schema:      schema,
		MinGreenSec: 10,
		MaxGreenSec: 60,
	}
}

func newLLM(client advisor.Client, schema string) *policy.LLMAssisted {
	return policy.NewLLMAssisted(client, llmConfig(schema), config.MaxPressure{Metric: "queue"}, 0.1)
}

func TestLLMSelectsAdvisedGroup(t *testing.T) {
	tbl := twoGroups(t)
	client := &scripted{replies: []reply{{text: "Answer: {\"group\": \"sb\"} done"}}}
	p := newLLM(client, advisor.SchemaGroup)

	v := boundary(tbl)
	assert.True(t, p.DecisionDue(v))
	d := p.Decide(context.Background(), queue(9, 0), v)
	assert.Equal(t, policy.ActionSelect, d.Action)
	assert.Equal(t, "SB", d.Group)
	assert.Equal(t, "llm", d.Source)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "SB")
	s := p.Stats()
	assert.Equal(t, 1, s.Decisions)
	assert.Equal(t, 1, s.APICalls)
	assert.Equal(t, 0, s.Fallbacks)
}

func TestLLMFallbacks(t *testing.T) {
	cases := []struct {
		name    string
		replies []reply
		calls   int
		reason  string
	}{
		{"timeout retried", []reply{{block: true}}, 3, "timeout"},
		{"transport retried", []reply{{err: errors.New("connection reset")}}, 3, "transport"},
		{"rate limited not retried", []reply{{err: &advisor.Error{Kind: advisor.KindRateLimited, Err: advisor.ErrRateLimited}}}, 1, "rate_limited"},
		{"malformed", []reply{{text: "switch to SB please"}}, 1, "malformed"},
		{"out of vocabulary", []reply{{text: `{"group": "NORTH"}`}}, 1, "out_of_vocabulary"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tbl := twoGroups(t)
			client := &scripted{replies: tc.replies}
			p := newLLM(client, advisor.SchemaGroup)
			var hooked []string
			p.SetHooks(policy.Hooks{OnFallback: func(reason string) { hooked = append(hooked, reason) }})

			// 回退为最大压力法，SB压力更大
			d := p.Decide(context.Background(), queue(0, 12), boundary(tbl))
			assert.Equal(t, policy.ActionSelect, d.Action)
			assert.Equal(t, "SB", d.Group)
			assert.Equal(t, "fallback:"+tc.reason, d.Source)
			assert.Len(t, client.prompts, tc.calls)

			s := p.Stats()
			assert.Equal(t, 1, s.Fallbacks)
			assert.Equal(t, map[string]int{tc.reason: 1}, s.FallbackBy)
			assert.Equal(t, tc.calls, s.APICalls)
			assert.Equal(t, []string{tc.reason}, hooked)
		})
	}
}

func TestLLMRetryThenSuccess(t *testing.T) {
	tbl := twoGroups(t)
	client := &scripted{replies: []reply{
		{err: errors.New("connection reset")},
		{text: `{"group": "EB"}`},
	}}
	p := newLLM(client, advisor.SchemaGroup)
	d := p.Decide(context.Background(), queue(0, 50), boundary(tbl))
	assert.Equal(t, "EB", d.Group)
	assert.Equal(t, "llm", d.Source)
	assert.Equal(t, 2, p.Stats().APICalls)
	assert.Equal(t, 0, p.Stats().Fallbacks)
}

func TestLLMPhaseDuration(t *testing.T) {
	tbl := twoGroups(t)
	cases := []struct {
		text  string
		ticks int
	}{
		{`{"phase": "SB", "duration": 25}`, 250},
		{`{"phase": "sb", "duration": 300}`, 600},
		{`{"phase": "SB", "duration": 1}`, 100},
	}
	for _, tc := range cases {
		client := &scripted{replies: []reply{{text: tc.text}}}
		p := newLLM(client, advisor.SchemaPhaseDuration)
		d := p.Decide(context.Background(), queue(0, 0), boundary(tbl))
		assert.Equal(t, policy.ActionSelect, d.Action, tc.text)
		assert.Equal(t, "SB", d.Group, tc.text)
		assert.Equal(t, 2, d.Phase, tc.text)
		assert.Equal(t, tc.ticks, d.DurationTicks, tc.text)
	}

	// 缺少时长视为格式错误
	client := &scripted{replies: []reply{{text: `{"phase": "SB"}`}}}
	p := newLLM(client, advisor.SchemaPhaseDuration)
	d := p.Decide(context.Background(), queue(0, 0), boundary(tbl))
	assert.Equal(t, "fallback:malformed", d.Source)
}

func TestLLMFallbackCountedOncePerDecision(t *testing.T) {
	tbl := twoGroups(t)
	client := &scripted{replies: []reply{{err: errors.New("eof")}}}
	p := newLLM(client, advisor.SchemaGroup)
	for range 4 {
		p.Decide(context.Background(), queue(1, 1), boundary(tbl))
	}
	s := p.Stats()
	assert.Equal(t, 4, s.Decisions)
	assert.Equal(t, 4, s.Fallbacks)
	assert.Equal(t, 12, s.APICalls)
	assert.Equal(t, 4, p.Report()["fallbacks"])
}

func TestLLMFallbackCountsAdvisedHolds(t *testing.T) {
	tbl := twoGroups(t)
	client := &scripted{replies: []reply{
		{text: `{"group": "EB"}`},
		{text: `{"group": "EB"}`},
		{text: "no opinion"},
	}}
	mp := config.MaxPressure{Metric: "queue", MaxRepeat: 2}
	p := policy.NewLLMAssisted(client, llmConfig(advisor.SchemaGroup), mp, 0.1)
	standalone := policy.NewMaxPressure(mp)

	snap, v := queue(50, 1), boundary(tbl)
	for i := 0; i < 2; i++ {
		d := p.Decide(context.Background(), snap, v)
		assert.Equal(t, "llm", d.Source)
		assert.Equal(t, standalone.Choose(snap, v), d.Group)
	}
	// 顾问已连续保持EB两次，回退决策与独立的最大压力法一样强制切换
	d := p.Decide(context.Background(), snap, v)
	assert.Equal(t, "fallback:malformed", d.Source)
	assert.Equal(t, "SB", d.Group)
	assert.Equal(t, standalone.Choose(snap, v), d.Group)
}
