package bridge_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/simulator/bridge"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeBridge 在管道另一端模拟桥接进程
type fakeBridge struct {
	conn     net.Conn
	requests chan bridge.Request
	state    string
	steps    int
	silent   bool // 收到step后不回复
}

func (f *fakeBridge) serve() {
	defer close(f.requests)
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(f.conn, hdr[:]); err != nil {
			return
		}
		buf := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(f.conn, buf); err != nil {
			return
		}
		var req bridge.Request
		if err := msgpack.Unmarshal(buf, &req); err != nil {
			return
		}
		f.requests <- req

		resp := bridge.Response{OK: true}
		switch req.Endpoint {
		case bridge.EndpointStep:
			if f.silent {
				continue
			}
			f.steps++
			resp.SimTime = float64(f.steps) * 0.1
			resp.Arrived = 1
			resp.Lanes = map[string]bridge.LaneCount{
				"EB_0": {Vehicles: 4 + f.steps, Halting: 2},
				"SB_0": {Vehicles: 1, Halting: 0},
			}
		case bridge.EndpointSetState:
			f.state = req.State
		case bridge.EndpointGetState:
			if f.state == "" {
				resp = bridge.Response{Error: "unknown tls " + req.TlsID}
			}
			resp.State = f.state
		}
		out, _ := msgpack.Marshal(&resp)
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(out)))
		f.conn.Write(size[:])
		f.conn.Write(out)
	}
}

func connect(t *testing.T, silent bool) (*bridge.Client, *fakeBridge) {
	t.Helper()
	client, server := net.Pipe()
	f := &fakeBridge{conn: server, requests: make(chan bridge.Request, 16), silent: silent}
	go f.serve()
	t.Cleanup(func() { server.Close() })

	c, err := bridge.NewClient(context.Background(), client, 200*time.Millisecond, []string{"EB_0", "SB_0"})
	require.NoError(t, err)
	sub := <-f.requests
	assert.Equal(t, bridge.EndpointSubscribe, sub.Endpoint)
	assert.Equal(t, []string{"EB_0", "SB_0"}, sub.Lanes)
	return c, f
}

func TestBridgeStepAndRead(t *testing.T) {
	c, _ := connect(t, false)
	require.NoError(t, c.Step(context.Background()))

	n, err := c.LaneVehicleCount("EB_0")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	h, err := c.LaneHaltingCount("EB_0")
	require.NoError(t, err)
	assert.Equal(t, 2, h)
	assert.Equal(t, 1, c.ArrivedVehicleCount())
	assert.InDelta(t, 0.1, c.SimTime(), 1e-9)

	_, err = c.LaneVehicleCount("NB_0")
	assert.ErrorIs(t, err, telemetry.ErrUnknownLane)
}

func TestBridgeSignalState(t *testing.T) {
	c, f := connect(t, false)

	_, err := c.SignalState("J1")
	assert.ErrorIs(t, err, bridge.ErrRemote)
	<-f.requests

	require.NoError(t, c.SetSignalState("J1", "GGrr"))
	req := <-f.requests
	assert.Equal(t, "J1", req.TlsID)
	assert.Equal(t, "GGrr", req.State)

	s, err := c.SignalState("J1")
	require.NoError(t, err)
	assert.Equal(t, "GGrr", s)
}

func TestBridgeDeadline(t *testing.T) {
	c, _ := connect(t, true)
	start := time.Now()
	err := c.Step(context.Background())
	require.Error(t, err)
	var ne net.Error
	assert.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.Less(t, time.Since(start), 2*time.Second)
}
