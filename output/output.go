// 运行结果输出：运行摘要写入MongoDB或Postgres，决策事件发布到MQTT
// 输出失败只记录日志，不影响控制循环
package output

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

var log = logrus.WithField("module", "output")

// Record 一次运行的结果记录
type Record struct {
	RunID     string    `bson:"run_id" json:"run_id"`
	TlsID     string    `bson:"tls_id" json:"tls_id"`
	Policy    string    `bson:"policy" json:"policy"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	Summary   any       `bson:"summary" json:"summary"`
}

// DecisionEvent 一次生效的决策
type DecisionEvent struct {
	RunID         string         `json:"run_id"`
	TlsID         string         `json:"tls_id"`
	Tick          int            `json:"tick"`
	TimeSec       float64        `json:"time_sec"`
	Action        string         `json:"action"`
	Group         string         `json:"group,omitempty"`
	Phase         int            `json:"phase"`
	DurationTicks int            `json:"duration_ticks,omitempty"`
	GreenTicks    map[string]int `json:"green_ticks,omitempty"`
	Source        string         `json:"source"`
	Queue         int            `json:"queue"`
	Halting       int            `json:"halting"`
}

// Sink 运行摘要的存储
type Sink interface {
	Name() string
	WriteSummary(ctx context.Context, r Record) error
	Close(ctx context.Context) error
}

// Publisher 决策事件的发布方
type Publisher interface {
	PublishDecision(ev DecisionEvent) error
}

// Outputs 所有已配置的输出
type Outputs struct {
	sinks      []Sink
	publishers []Publisher
	failures   int
}

// NewOutputs 组合已创建的输出
func NewOutputs(sinks []Sink, publishers []Publisher) *Outputs {
	return &Outputs{sinks: sinks, publishers: publishers}
}

// New 按配置连接所有输出
// 说明：任一输出连接失败时关闭已连接的输出并返回错误
func New(ctx context.Context, c config.Output) (*Outputs, error) {
	o := &Outputs{}
	if c.Mongo != nil && c.Mongo.URI != "" {
		o.sinks = append(o.sinks, NewMongo(*c.Mongo))
	}
	if c.Postgres != nil && c.Postgres.DSN != "" {
		pg, err := NewPostgres(ctx, *c.Postgres)
		if err != nil {
			o.Close(ctx)
			return nil, err
		}
		o.sinks = append(o.sinks, pg)
	}
	if c.MQTT != nil && c.MQTT.Broker != "" {
		m, err := NewMQTT(*c.MQTT)
		if err != nil {
			o.Close(ctx)
			return nil, err
		}
		o.sinks = append(o.sinks, m)
		o.publishers = append(o.publishers, m)
	}
	return o, nil
}

// Empty 是否没有任何输出
func (o *Outputs) Empty() bool {
	return len(o.sinks) == 0 && len(o.publishers) == 0
}

// Publish 发布决策事件，失败只计数并记录日志
func (o *Outputs) Publish(ev DecisionEvent) {
	for _, p := range o.publishers {
		if err := p.PublishDecision(ev); err != nil {
			o.failures++
			log.Warnf("publish decision at tick %d failed: %v", ev.Tick, err)
		}
	}
}

// WriteSummary 写入运行摘要到所有存储
func (o *Outputs) WriteSummary(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range o.sinks {
		if err := s.WriteSummary(ctx, r); err != nil {
			o.failures++
			errs = append(errs, err)
			continue
		}
		log.Infof("run %s summary written to %s", r.RunID, s.Name())
	}
	return errors.Join(errs...)
}

// Failures 输出失败次数
func (o *Outputs) Failures() int {
	return o.failures
}

func (o *Outputs) Close(ctx context.Context) error {
	var errs []error
	for _, s := range o.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
