package telemetry_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

type fakeLanes map[string]telemetry.Counts

func (f fakeLanes) LaneVehicleCount(lane string) (int, error) {
	c, ok := f[lane]
	if !ok {
		return 0, fmt.Errorf("%w: %s", telemetry.ErrUnknownLane, lane)
	}
	return c.Vehicles, nil
}

func (f fakeLanes) LaneHaltingCount(lane string) (int, error) {
	c, ok := f[lane]
	if !ok {
		return 0, fmt.Errorf("%w: %s", telemetry.ErrUnknownLane, lane)
	}
	return c.Halting, nil
}

var (
	approaches = []config.LaneSet{
		{ID: "EB", Lanes: []string{"EB_0", "EB_1", "EB_2"}},
		{ID: "SB", Lanes: []string{"SB_0", "SB_1", "SB_2"}},
	}
	groups = []config.LaneSet{
		{ID: "EW_STRAIGHT", Lanes: []string{"EB_0", "EB_1"}},
		{ID: "EW_LEFT", Lanes: []string{"EB_2"}},
		{ID: "NS_STRAIGHT", Lanes: []string{"SB_0", "SB_1"}},
		{ID: "NS_LEFT", Lanes: []string{"SB_2"}},
	}
	lanes = fakeLanes{
		"EB_0": {Vehicles: 5, Halting: 3},
		"EB_1": {Vehicles: 4, Halting: 4},
		"EB_2": {Vehicles: 2, Halting: 1},
		"SB_0": {Vehicles: 1, Halting: 0},
		"SB_1": {Vehicles: 0, Halting: 0},
		"SB_2": {Vehicles: 3, Halting: 2},
	}
)

func TestSnapshotAggregation(t *testing.T) {
	a := telemetry.New(lanes, approaches, groups, telemetry.RewardHalting)
	s, err := a.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, telemetry.Counts{Vehicles: 11, Halting: 8}, s.Approach("EB"))
	assert.Equal(t, telemetry.Counts{Vehicles: 4, Halting: 2}, s.Approach("SB"))
	assert.Equal(t, telemetry.Counts{Vehicles: 9, Halting: 7}, s.Group("EW_STRAIGHT"))
	assert.Equal(t, telemetry.Counts{Vehicles: 3, Halting: 2}, s.Group("NS_LEFT"))
	// 相位组与进口道共享车道时总量不重复计数
	assert.Equal(t, telemetry.Counts{Vehicles: 15, Halting: 10}, s.Total)
	assert.Equal(t, []string{"EB", "SB"}, a.Approaches())
	assert.Equal(t, []string{"EB_2"}, a.GroupLanes("EW_LEFT"))
	assert.Nil(t, a.GroupLanes("NONE"))
}

func TestRewardModes(t *testing.T) {
	s, err := telemetry.New(lanes, approaches, groups, telemetry.RewardHalting).Snapshot()
	require.NoError(t, err)
	assert.Equal(t, -10.0, telemetry.Reward(telemetry.RewardHalting, s))
	assert.Equal(t, -15.0, telemetry.Reward(telemetry.RewardVehicle, s))

	// 相同快照得到相同奖励
	a := telemetry.New(lanes, approaches, groups, telemetry.RewardVehicle)
	assert.Equal(t, a.Reward(s), a.Reward(s))

	mode, err := telemetry.ParseRewardMode("vehicle")
	require.NoError(t, err)
	assert.Equal(t, telemetry.RewardVehicle, mode)
	_, err = telemetry.ParseRewardMode("delay")
	assert.Error(t, err)
}

func TestReadError(t *testing.T) {
	broken := []config.LaneSet{{ID: "WB", Lanes: []string{"WB_0"}}}
	_, err := telemetry.New(lanes, broken, nil, telemetry.RewardHalting).Snapshot()
	require.Error(t, err)

	var re *telemetry.ReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "WB_0", re.Lane)
	assert.ErrorIs(t, err, telemetry.ErrUnknownLane)
}

func TestNegativeCount(t *testing.T) {
	bad := fakeLanes{"EB_0": {Vehicles: -1}}
	_, err := telemetry.New(bad, []config.LaneSet{{ID: "EB", Lanes: []string{"EB_0"}}}, nil, telemetry.RewardHalting).Snapshot()
	assert.ErrorIs(t, err, telemetry.ErrInvalidCount)
}

func TestTotalCountsApproachLanesOnly(t *testing.T) {
	// 右转渠化车道只用于相位组压力，不属于任何进口道
	withSlip := append(append([]config.LaneSet(nil), groups...), config.LaneSet{ID: "EB_RIGHT", Lanes: []string{"EB_R"}})
	src := fakeLanes{"EB_R": {Vehicles: 7, Halting: 6}}
	for id, c := range lanes {
		src[id] = c
	}
	a := telemetry.New(src, approaches, withSlip, telemetry.RewardHalting)
	s, err := a.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, telemetry.Counts{Vehicles: 7, Halting: 6}, s.Group("EB_RIGHT"))
	assert.Equal(t, telemetry.Counts{Vehicles: 15, Halting: 10}, s.Total)
	assert.Equal(t, s.Approach("EB").Halting+s.Approach("SB").Halting, s.Total.Halting)
	assert.Equal(t, -10.0, a.Reward(s))
}
