// 外部仿真桥接客户端：通过unix或tcp套接字与TraCI桥接进程交换msgpack消息
// 每条消息为4字节大端长度加msgpack负载，请求与响应一一对应
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
	"github.com/vmihailenco/msgpack/v5"
)

var log = logrus.WithField("module", "bridge")

// 桥接端点
const (
	EndpointSubscribe = "subscribe"
	EndpointStep      = "step"
	EndpointSetState  = "set_state"
	EndpointGetState  = "get_state"
	EndpointStop      = "stop"
)

var ErrRemote = errors.New("bridge: remote error")

// Request 请求消息
type Request struct {
	Endpoint string   `msgpack:"endpoint"`
	Lanes    []string `msgpack:"lanes,omitempty"`
	TlsID    string   `msgpack:"tls_id,omitempty"`
	State    string   `msgpack:"state,omitempty"`
}

// LaneCount 单车道计数
type LaneCount struct {
	Vehicles int `msgpack:"vehicles"`
	Halting  int `msgpack:"halting"`
}

// Response 响应消息
type Response struct {
	OK      bool                 `msgpack:"ok"`
	Error   string               `msgpack:"error,omitempty"`
	SimTime float64              `msgpack:"sim_time,omitempty"`
	Arrived int                  `msgpack:"arrived,omitempty"`
	Lanes   map[string]LaneCount `msgpack:"lanes,omitempty"`
	State   string               `msgpack:"state,omitempty"`
}

// Client 桥接客户端，实现entity.ISimulator
// 说明：step响应携带所有已订阅车道的计数，检测器读取只访问本地缓存
type Client struct {
	conn    net.Conn
	timeout time.Duration
	lanes   map[string]LaneCount
	arrived int
	simTime float64
}

var _ entity.ISimulator = (*Client)(nil)

// Dial 连接桥接进程并订阅车道
// 参数：network-unix|tcp，address-套接字路径或host:port，timeout-单次请求超时，lanes-需要订阅的车道
func Dial(ctx context.Context, network, address string, timeout time.Duration, lanes []string) (*Client, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s %s: %w", network, address, err)
	}
	c, err := NewClient(ctx, conn, timeout, lanes)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Infof("connected to bridge %s://%s, %d lanes subscribed", network, address, len(lanes))
	return c, nil
}

// NewClient 在已建立的连接上创建客户端并订阅车道
func NewClient(ctx context.Context, conn net.Conn, timeout time.Duration, lanes []string) (*Client, error) {
	c := &Client{
		conn:    conn,
		timeout: timeout,
		lanes:   make(map[string]LaneCount, len(lanes)),
	}
	if _, err := c.call(ctx, Request{Endpoint: EndpointSubscribe, Lanes: lanes}); err != nil {
		return nil, err
	}
	return c, nil
}

// call 发送请求并等待响应，截止时间取请求超时与ctx截止时间中较早者
func (c *Client) call(ctx context.Context, req Request) (*Response, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("bridge: set deadline: %w", err)
	}
	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", req.Endpoint, err)
	}
	if err := writeFrame(c.conn, payload); err != nil {
		return nil, fmt.Errorf("bridge: send %s: %w", req.Endpoint, err)
	}
	raw, err := readFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("bridge: receive %s: %w", req.Endpoint, err)
	}
	var resp Response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("bridge: decode %s: %w", req.Endpoint, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: %s: %s", ErrRemote, req.Endpoint, resp.Error)
	}
	return &resp, nil
}

// Step 推进一个tick并刷新车道缓存
func (c *Client) Step(ctx context.Context) error {
	resp, err := c.call(ctx, Request{Endpoint: EndpointStep})
	if err != nil {
		return err
	}
	for id, lc := range resp.Lanes {
		c.lanes[id] = lc
	}
	c.arrived = resp.Arrived
	c.simTime = resp.SimTime
	return nil
}

func (c *Client) lane(id string) (LaneCount, error) {
	lc, ok := c.lanes[id]
	if !ok {
		return LaneCount{}, fmt.Errorf("%w: %s", telemetry.ErrUnknownLane, id)
	}
	return lc, nil
}

func (c *Client) LaneVehicleCount(lane string) (int, error) {
	lc, err := c.lane(lane)
	return lc.Vehicles, err
}

func (c *Client) LaneHaltingCount(lane string) (int, error) {
	lc, err := c.lane(lane)
	return lc.Halting, err
}

func (c *Client) ArrivedVehicleCount() int {
	return c.arrived
}

// SimTime 桥接进程报告的仿真时间（秒）
func (c *Client) SimTime() float64 {
	return c.simTime
}

func (c *Client) SetSignalState(tlsID string, state string) error {
	_, err := c.call(context.Background(), Request{Endpoint: EndpointSetState, TlsID: tlsID, State: state})
	return err
}

func (c *Client) SignalState(tlsID string) (string, error) {
	resp, err := c.call(context.Background(), Request{Endpoint: EndpointGetState, TlsID: tlsID})
	if err != nil {
		return "", err
	}
	return resp.State, nil
}

// Close 通知桥接进程停止并关闭连接，不管理仿真进程本身
func (c *Client) Close() error {
	if _, err := c.call(context.Background(), Request{Endpoint: EndpointStop}); err != nil {
		log.Warnf("stop request failed: %v", err)
	}
	return c.conn.Close()
}
