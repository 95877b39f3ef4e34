package advisor_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy/advisor"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"google.golang.org/genai"
)

var groups = []string{"NS_STRAIGHT", "NS_LEFT", "EW_STRAIGHT", "EW_LEFT"}

func kindOf(t *testing.T, err error) advisor.Kind {
	t.Helper()
	var ae *advisor.Error
	require.ErrorAs(t, err, &ae)
	return ae.Kind
}

func TestParseGroup(t *testing.T) {
	g, err := advisor.ParseGroup(`Sure! {"group": "ew_left"} hope it helps`, groups)
	require.NoError(t, err)
	assert.Equal(t, "EW_LEFT", g)

	g, err = advisor.ParseGroup("```json\n{\n  \"group\": \"NS_STRAIGHT\"\n}\n```", groups)
	require.NoError(t, err)
	assert.Equal(t, "NS_STRAIGHT", g)

	_, err = advisor.ParseGroup("NS_LEFT please", groups)
	assert.Equal(t, advisor.KindMalformed, kindOf(t, err))
	assert.ErrorIs(t, err, advisor.ErrNoJSONObject)

	_, err = advisor.ParseGroup(`{"group": NS_LEFT}`, groups)
	assert.Equal(t, advisor.KindMalformed, kindOf(t, err))

	_, err = advisor.ParseGroup(`{"group": "WB_RIGHT"}`, groups)
	assert.Equal(t, advisor.KindOutOfVocabulary, kindOf(t, err))
	assert.ErrorIs(t, err, advisor.ErrOutOfVocabulary)
}

func TestParseGroupFirstObject(t *testing.T) {
	two := []string{"EB", "SB"}
	g, err := advisor.ParseGroup(`{"group": "SB"} because SB is longer; {"group": "EB"} would starve it`, two)
	require.NoError(t, err)
	assert.Equal(t, "SB", g)

	g, err = advisor.ParseGroup("```json\n{\"group\": \"EB\"}\n```\nnote: {}", two)
	require.NoError(t, err)
	assert.Equal(t, "EB", g)

	// 不含group字段的对象被跳过
	g, err = advisor.ParseGroup(`queues {"EB": 3, "SB": 9} -> {"group": "sb"}`, two)
	require.NoError(t, err)
	assert.Equal(t, "SB", g)

	_, err = advisor.ParseGroup(`{"reason": "balanced"}`, two)
	assert.Equal(t, advisor.KindMalformed, kindOf(t, err))
	assert.ErrorIs(t, err, advisor.ErrNoJSONObject)
}

func TestParsePhaseDuration(t *testing.T) {
	phases := []string{"NS Straight", "EW Straight"}
	p, d, err := advisor.ParsePhaseDuration(`{"phase": "ew straight", "duration": 25}`, phases, 10, 60)
	require.NoError(t, err)
	assert.Equal(t, "EW Straight", p)
	assert.Equal(t, 25.0, d)

	_, d, err = advisor.ParsePhaseDuration(`{"phase": "NS Straight", "duration": 500}`, phases, 10, 60)
	require.NoError(t, err)
	assert.Equal(t, 60.0, d)

	_, d, err = advisor.ParsePhaseDuration(`{"phase": "NS Straight", "duration": 1}`, phases, 10, 60)
	require.NoError(t, err)
	assert.Equal(t, 10.0, d)

	_, _, err = advisor.ParsePhaseDuration(`{"phase": "NS Straight"}`, phases, 10, 60)
	assert.Equal(t, advisor.KindMalformed, kindOf(t, err))

	_, _, err = advisor.ParsePhaseDuration(`{"phase": "NS Left (Y)", "duration": 20}`, phases, 10, 60)
	assert.Equal(t, advisor.KindOutOfVocabulary, kindOf(t, err))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, advisor.Classify(nil))
	assert.Equal(t, advisor.KindTimeout, advisor.Classify(fmt.Errorf("call: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, advisor.KindRateLimited, advisor.Classify(genai.APIError{Code: 429, Message: "quota"}).Kind)
	assert.Equal(t, advisor.KindRateLimited, advisor.Classify(&genai.APIError{Code: 429}).Kind)
	assert.Equal(t, advisor.KindTransport, advisor.Classify(genai.APIError{Code: 500}).Kind)
	assert.Equal(t, advisor.KindTransport, advisor.Classify(errors.New("connection reset")).Kind)

	already := &advisor.Error{Kind: advisor.KindMalformed, Err: advisor.ErrEmptyResponse}
	assert.Same(t, already, advisor.Classify(already))

	assert.True(t, advisor.KindTimeout.Retryable())
	assert.True(t, advisor.KindTransport.Retryable())
	assert.False(t, advisor.KindRateLimited.Retryable())
	assert.False(t, advisor.KindMalformed.Retryable())
}

func TestBuildPrompt(t *testing.T) {
	snap := &telemetry.QueueSnapshot{Groups: map[string]telemetry.Counts{
		"NS_STRAIGHT": {Vehicles: 12, Halting: 9},
	}}
	p := advisor.BuildPrompt(advisor.PromptInput{
		Schema:       advisor.SchemaGroup,
		TimeSec:      42,
		CurrentGroup: "NS_LEFT",
		Groups:       groups,
		Snapshot:     snap,
	})
	assert.Contains(t, p, "Current time: 42.0 s")
	assert.Contains(t, p, "Current group: NS_LEFT")
	assert.Contains(t, p, "= 12 / 9")
	assert.Contains(t, p, `{"group": "EW_LEFT"}`)

	p = advisor.BuildPrompt(advisor.PromptInput{
		Schema:      advisor.SchemaPhaseDuration,
		Groups:      groups,
		GreenPhases: []string{"NS Straight"},
		Snapshot:    snap,
		MinGreenSec: 10,
		MaxGreenSec: 60,
	})
	assert.Contains(t, p, `"NS Straight"`)
	assert.Contains(t, p, "between 10 and 60 seconds")
}
