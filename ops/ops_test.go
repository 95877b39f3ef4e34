package ops_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/ops"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg

	c := ops.NewCollector()
	c.RecordTick(map[string]int{"EB": 4}, map[string]int{"EB": 2}, -2)
	c.RecordTick(map[string]int{"EB": 6}, map[string]int{"EB": 3}, -3)
	c.RecordDecision("max_pressure")
	c.RecordDecision("fallback:timeout")
	c.RecordSwitches(2)
	c.RecordSwitches(0)
	c.RecordRejection()
	c.RecordAdvisorCall(120*time.Millisecond, nil)
	c.RecordAdvisorCall(time.Second, errors.New("timeout"))
	c.RecordFallback("timeout")
	c.SetLearnerUpdates(3)

	n, err := testutil.GatherAndCount(reg, "signal_ticks_total", "signal_decisions_total", "signal_advisor_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil && len(m.GetLabel()) == 0:
				values[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["signal_ticks_total"])
	assert.Equal(t, 6.0, values["signal_queue_vehicles"])
	assert.Equal(t, 3.0, values["signal_queue_halting"])
	assert.Equal(t, -3.0, values["signal_reward"])
	assert.Equal(t, 3.0, values["signal_learner_updates"])
	assert.Equal(t, 2.0, values["signal_phase_switches_total"])
}

func TestHealth(t *testing.T) {
	h := ops.NewHealth()
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ops.ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	h.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	h.Stop()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}

func TestStatusService(t *testing.T) {
	s := ops.NewStatus()
	pattern, handler := s.Handler()
	mux := http.NewServeMux()
	mux.Handle(pattern, handler)
	server := httptest.NewServer(mux)
	defer server.Close()

	client := connect.NewClient[emptypb.Empty, structpb.Struct](server.Client(), server.URL+ops.GetRunStatsProcedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
	require.NoError(t, err)
	assert.Empty(t, resp.Msg.GetFields())

	require.NoError(t, s.Publish(map[string]any{"tick": 120, "policy": "ppo"}))
	resp, err = client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
	require.NoError(t, err)
	assert.Equal(t, 120.0, resp.Msg.GetFields()["tick"].GetNumberValue())
	assert.Equal(t, "ppo", resp.Msg.GetFields()["policy"].GetStringValue())

	assert.Error(t, s.Publish(map[string]any{"bad": struct{}{}}))
}
