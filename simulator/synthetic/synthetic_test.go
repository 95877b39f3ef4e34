package synthetic_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/simulator/synthetic"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

func newSim(t *testing.T, lanes ...config.SyntheticLane) *synthetic.Simulator {
	t.Helper()
	s, err := synthetic.New(config.Simulator{Kind: config.SimulatorSynthetic, Seed: 3, Synthetic: lanes}, 0.1)
	require.NoError(t, err)
	return s
}

func count(t *testing.T, s *synthetic.Simulator, lane string) (int, int) {
	t.Helper()
	n, err := s.LaneVehicleCount(lane)
	require.NoError(t, err)
	h, err := s.LaneHaltingCount(lane)
	require.NoError(t, err)
	return n, h
}

func TestRedAccumulates(t *testing.T) {
	s := newSim(t, config.SyntheticLane{ID: "EB_0", Links: []int{0}, ArrivalRate: 10, DischargeRate: 10})
	require.NoError(t, s.SetSignalState("J1", "rG"))
	for range 5 {
		require.NoError(t, s.Step(context.Background()))
	}
	n, h := count(t, s, "EB_0")
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, h)
	assert.Equal(t, 0, s.ArrivedVehicleCount())
}

func TestGreenDischarges(t *testing.T) {
	s := newSim(t, config.SyntheticLane{ID: "EB_0", Links: []int{0, 1}, DischargeRate: 10, StartupWave: 5, InitialQueue: 10})
	n, h := count(t, s, "EB_0")
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, h)

	require.NoError(t, s.SetSignalState("J1", "rGrr"))
	arrived := 0
	for range 4 {
		require.NoError(t, s.Step(context.Background()))
		assert.Equal(t, 1, s.ArrivedVehicleCount())
		arrived += s.ArrivedVehicleCount()
	}
	n, h = count(t, s, "EB_0")
	assert.Equal(t, 6, n)
	assert.Less(t, h, n)

	for range 10 {
		require.NoError(t, s.Step(context.Background()))
		arrived += s.ArrivedVehicleCount()
	}
	n, h = count(t, s, "EB_0")
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h)
	assert.Equal(t, 10, arrived)

	// 转为黄灯后不再放行
	s2 := newSim(t, config.SyntheticLane{ID: "EB_0", Links: []int{0}, DischargeRate: 10, InitialQueue: 3})
	require.NoError(t, s2.SetSignalState("J1", "y"))
	require.NoError(t, s2.Step(context.Background()))
	n, h = count(t, s2, "EB_0")
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, h)
}

func TestSeededArrivalsAreReproducible(t *testing.T) {
	lane := config.SyntheticLane{ID: "EB_0", Links: []int{0}, ArrivalRate: 0.7, DischargeRate: 0.3}
	a, b := newSim(t, lane), newSim(t, lane)
	for _, s := range []*synthetic.Simulator{a, b} {
		require.NoError(t, s.SetSignalState("J1", "G"))
	}
	for range 500 {
		require.NoError(t, a.Step(context.Background()))
		require.NoError(t, b.Step(context.Background()))
		na, _ := count(t, a, "EB_0")
		nb, _ := count(t, b, "EB_0")
		require.Equal(t, na, nb)
	}
}

func TestSyntheticErrors(t *testing.T) {
	s := newSim(t, config.SyntheticLane{ID: "EB_0", Links: []int{3}})
	_, err := s.LaneVehicleCount("NB_0")
	assert.ErrorIs(t, err, telemetry.ErrUnknownLane)
	assert.Error(t, s.SetSignalState("J1", "GG"))
	_, err = s.SignalState("J1")
	assert.Error(t, err)

	require.NoError(t, s.SetSignalState("J1", "rrrG"))
	state, err := s.SignalState("J1")
	require.NoError(t, err)
	assert.Equal(t, "rrrG", state)

	_, err = synthetic.New(config.Simulator{Synthetic: []config.SyntheticLane{{ID: "A", Links: []int{0}}, {ID: "A", Links: []int{1}}}}, 0.1)
	assert.Error(t, err)
	_, err = synthetic.New(config.Simulator{Synthetic: []config.SyntheticLane{{ID: "A"}}}, 0.1)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Step(ctx))
}
