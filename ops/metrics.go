// 运维接口：Prometheus指标、gRPC健康检查与运行状态查询
// 所有接口只读取控制循环发布的副本，控制循环是唯一的修改方
package ops

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "ops")

// Collector 控制器的Prometheus指标
type Collector struct {
	ticks          prometheus.Counter
	decisions      *prometheus.CounterVec // 按决策来源
	switches       prometheus.Counter
	rejections     prometheus.Counter
	advisorCalls   *prometheus.CounterVec // 按结果
	advisorLatency prometheus.Histogram
	fallbacks      *prometheus.CounterVec // 按原因
	queue          *prometheus.GaugeVec   // 按进口道
	halting        *prometheus.GaugeVec   // 按进口道
	reward         prometheus.Gauge
	learnerUpdates prometheus.Gauge
}

// NewCollector 创建并注册指标
// 说明：注册到prometheus.DefaultRegisterer，重复创建会panic
func NewCollector() *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_ticks_total",
			Help: "Total number of simulated ticks",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_decisions_total",
			Help: "Total number of policy decisions by source",
		}, []string{"source"}),
		switches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_phase_switches_total",
			Help: "Total number of phase switches",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_switch_rejections_total",
			Help: "Total number of switch requests rejected by safety rules",
		}),
		advisorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_advisor_calls_total",
			Help: "Total number of advisor calls by result",
		}, []string{"result"}),
		advisorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signal_advisor_latency_seconds",
			Help:    "Advisor call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_advisor_fallbacks_total",
			Help: "Total number of fallback decisions by reason",
		}, []string{"reason"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signal_queue_vehicles",
			Help: "Current number of vehicles per approach",
		}, []string{"approach"}),
		halting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signal_queue_halting",
			Help: "Current number of halting vehicles per approach",
		}, []string{"approach"}),
		reward: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_reward",
			Help: "Reward of the latest tick",
		}),
		learnerUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_learner_updates",
			Help: "Number of completed learner updates",
		}),
	}
	prometheus.MustRegister(
		c.ticks, c.decisions, c.switches, c.rejections,
		c.advisorCalls, c.advisorLatency, c.fallbacks,
		c.queue, c.halting, c.reward, c.learnerUpdates,
	)
	return c
}

// RecordTick 记录一个tick的排队与奖励
func (c *Collector) RecordTick(queue, halting map[string]int, reward float64) {
	c.ticks.Inc()
	for a, n := range queue {
		c.queue.WithLabelValues(a).Set(float64(n))
	}
	for a, n := range halting {
		c.halting.WithLabelValues(a).Set(float64(n))
	}
	c.reward.Set(reward)
}

func (c *Collector) RecordDecision(source string) {
	c.decisions.WithLabelValues(source).Inc()
}

// RecordSwitches 累加相位切换次数，包括决策触发的切换与循环模式下的自动推进
func (c *Collector) RecordSwitches(n int) {
	if n > 0 {
		c.switches.Add(float64(n))
	}
}

func (c *Collector) RecordRejection() {
	c.rejections.Inc()
}

// RecordAdvisorCall 记录一次顾问调用
func (c *Collector) RecordAdvisorCall(latency time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.advisorCalls.WithLabelValues(result).Inc()
	c.advisorLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordFallback(reason string) {
	c.fallbacks.WithLabelValues(reason).Inc()
}

func (c *Collector) SetLearnerUpdates(n int) {
	c.learnerUpdates.Set(float64(n))
}

// ServeMetrics 在addr上提供/metrics，阻塞直到监听失败
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("metrics listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
