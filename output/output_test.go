package output_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/output"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

type memSink struct {
	records []output.Record
	events  []output.DecisionEvent
	fail    bool
	closed  bool
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) WriteSummary(_ context.Context, r output.Record) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memSink) PublishDecision(ev output.DecisionEvent) error {
	if m.fail {
		return errors.New("broker gone")
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) Close(context.Context) error {
	m.closed = true
	return nil
}

func TestOutputsFanOut(t *testing.T) {
	good, bad := &memSink{}, &memSink{fail: true}
	o := output.NewOutputs([]output.Sink{good, bad}, []output.Publisher{good, bad})
	assert.False(t, o.Empty())

	o.Publish(output.DecisionEvent{RunID: "r1", Tick: 10, Action: "select", Group: "EB"})
	require.Len(t, good.events, 1)
	assert.Equal(t, 1, o.Failures())

	r := output.Record{RunID: "r1", TlsID: "J1", Policy: "fixed", CreatedAt: time.Unix(0, 0), Summary: map[string]int{"arrived": 3}}
	err := o.WriteSummary(context.Background(), r)
	assert.ErrorContains(t, err, "disk full")
	require.Len(t, good.records, 1)
	assert.Equal(t, "r1", good.records[0].RunID)
	assert.Equal(t, 2, o.Failures())

	require.NoError(t, o.Close(context.Background()))
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestNewWithoutOutputs(t *testing.T) {
	o, err := output.New(context.Background(), config.Output{Mongo: &config.OutputPath{}})
	require.NoError(t, err)
	assert.True(t, o.Empty())
	assert.NoError(t, o.WriteSummary(context.Background(), output.Record{}))
}

func TestPostgresQueriesQuoteTable(t *testing.T) {
	assert.Contains(t, output.CreateTableQuery("signal_runs"), `"signal_runs"`)
	assert.Contains(t, output.InsertQuery(`runs"; DROP TABLE x; --`), `"runs""; DROP TABLE x; --"`)
}

func TestDecisionEventJSON(t *testing.T) {
	raw, err := json.Marshal(output.DecisionEvent{RunID: "r1", TlsID: "J1", Tick: 5, Action: "hold", Phase: -1, Source: "ppo"})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "hold", m["action"])
	assert.NotContains(t, m, "group")
	assert.NotContains(t, m, "green_ticks")
}

// stalledToken 在release关闭前不完成的发布确认
type stalledToken struct {
	release <-chan struct{}
}

func (t stalledToken) Wait() bool {
	<-t.release
	return true
}

func (t stalledToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.release:
		return true
	case <-time.After(d):
		return false
	}
}

func (t stalledToken) Done() <-chan struct{} { return t.release }
func (t stalledToken) Error() error          { return nil }

// stalledBroker 记录发布的主题，所有确认都等待release
type stalledBroker struct {
	paho.Client
	release chan struct{}

	mu           sync.Mutex
	topics       []string
	disconnected bool
}

func (b *stalledBroker) Publish(topic string, _ byte, _ bool, _ interface{}) paho.Token {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
	return stalledToken{release: b.release}
}

func (b *stalledBroker) Disconnect(uint) {
	b.mu.Lock()
	b.disconnected = true
	b.mu.Unlock()
}

func (b *stalledBroker) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.topics...)
}

func TestMQTTPublishDoesNotWaitForBroker(t *testing.T) {
	broker := &stalledBroker{release: make(chan struct{})}
	m := output.NewMQTTClient(broker, "signal", 2)
	o := output.NewOutputs(nil, []output.Publisher{m})

	// 第一条被发布协程取走并阻塞在确认上，随后两条填满队列，第四条被丢弃
	start := time.Now()
	require.NoError(t, m.PublishDecision(output.DecisionEvent{TlsID: "J1", Tick: 1}))
	require.Eventually(t, func() bool { return len(broker.published()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.PublishDecision(output.DecisionEvent{TlsID: "J1", Tick: 2}))
	require.NoError(t, m.PublishDecision(output.DecisionEvent{TlsID: "J1", Tick: 3}))
	err := m.PublishDecision(output.DecisionEvent{TlsID: "J1", Tick: 4})
	assert.ErrorIs(t, err, output.ErrDropped)
	o.Publish(output.DecisionEvent{TlsID: "J1", Tick: 5})
	assert.Equal(t, 1, o.Failures())
	assert.Less(t, time.Since(start), time.Second)

	close(broker.release)
	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, []string{"signal/J1", "signal/J1", "signal/J1"}, broker.published())
	assert.True(t, broker.disconnected)
	// 重复关闭无副作用
	require.NoError(t, m.Close(context.Background()))
}
