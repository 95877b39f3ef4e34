package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

const (
	mqttTimeout = 5 * time.Second
	mqttBuffer  = 256 // 待发布决策事件的队列长度
)

var ErrDropped = errors.New("output: mqtt publish queue full, decision event dropped")

// MQTT 决策事件与运行摘要发布到MQTT
// 说明：决策发布到<topic>/<tls_id>，摘要以retained消息发布到<topic>/<tls_id>/summary
// 决策事件进入队列后由发布协程发送，控制循环不等待broker确认
type MQTT struct {
	client paho.Client
	topic  string

	events    chan DecisionEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewMQTT 连接MQTT broker
// 功能：连接broker并启动决策事件的发布协程
// 参数：c-MQTT配置
// 返回：MQTT输出；连接超时或失败时返回错误
func NewMQTT(c config.MQTT) (*MQTT, error) {
	opts := paho.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("output: mqtt connect to %s timed out", c.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("output: mqtt connect to %s: %w", c.Broker, err)
	}
	log.Infof("mqtt connected to %s, topic %s", c.Broker, c.Topic)
	return NewMQTTClient(client, c.Topic, mqttBuffer), nil
}

// NewMQTTClient 基于已连接的客户端创建MQTT输出
// 参数：client-已连接的paho客户端，topic-主题前缀，buffer-待发布队列长度
func NewMQTTClient(client paho.Client, topic string, buffer int) *MQTT {
	m := &MQTT{
		client: client,
		topic:  topic,
		events: make(chan DecisionEvent, max(buffer, 1)),
		done:   make(chan struct{}),
	}
	go m.drain()
	return m
}

// drain 发布协程：逐条发送队列中的决策事件，失败只记录日志
func (m *MQTT) drain() {
	defer close(m.done)
	for ev := range m.events {
		if err := m.publish(m.topic+"/"+ev.TlsID, false, ev); err != nil {
			log.Warnf("publish decision at tick %d: %v", ev.Tick, err)
		}
	}
}

func (m *MQTT) Name() string {
	return "mqtt:" + m.topic
}

func (m *MQTT) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("output: marshal %s: %w", topic, err)
	}
	token := m.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("output: mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// PublishDecision 决策事件入队，不阻塞；队列已满时丢弃并返回ErrDropped
func (m *MQTT) PublishDecision(ev DecisionEvent) error {
	select {
	case m.events <- ev:
		return nil
	default:
		return fmt.Errorf("%w: tick %d", ErrDropped, ev.Tick)
	}
}

func (m *MQTT) WriteSummary(_ context.Context, r Record) error {
	return m.publish(m.topic+"/"+r.TlsID+"/summary", true, r)
}

// Close 停止接收事件，等待队列发送完毕（最多mqttTimeout或ctx截止）后断开连接
func (m *MQTT) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.events)
		select {
		case <-m.done:
		case <-ctx.Done():
			log.Warnf("mqtt close: %v, %d decision events not sent", ctx.Err(), len(m.events))
		case <-time.After(mqttTimeout):
			log.Warnf("mqtt close timed out, %d decision events not sent", len(m.events))
		}
		m.client.Disconnect(250)
	})
	return nil
}
