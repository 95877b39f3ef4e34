package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v2"
)

// 可选的决策策略
const (
	PolicyFixed       = "fixed"
	PolicyMaxPressure = "max_pressure"
	PolicyWebsterPID  = "webster_pid"
	PolicyPPO         = "ppo"
	PolicyLLM         = "llm"
)

// 可选的仿真器类型
const (
	SimulatorBridge    = "bridge"
	SimulatorSynthetic = "synthetic"
)

var (
	policies    = []string{PolicyFixed, PolicyMaxPressure, PolicyWebsterPID, PolicyPPO, PolicyLLM}
	rewardModes = []string{"halting", "vehicle"}
	metrics     = []string{"queue", "halting"}
	actions     = []string{"hold_switch", "choose_group"}
	cadences    = []string{"every_green_tick", "group_boundary"}
	schemas     = []string{"group", "phase_duration"}
)

// RuntimeConfig 运行时配置
// 功能：存储控制器运行时的配置信息
// 说明：将YAML配置补全默认值并校验后得到的配置对象
type RuntimeConfig struct {
	All Config  // 全部配置
	C   Control // 全局控制配置
}

// Parse 解析YAML配置
// 功能：严格模式解析配置文件内容，未知字段视为错误
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// NewRuntimeConfig 根据配置初始化运行时配置
// 功能：创建运行时配置对象，补全默认值并进行配置验证
// 参数：config-原始配置对象
// 返回：初始化的运行时配置指针，配置非法时返回错误
// 算法说明：
// 1. 补全缺省项：tick长度0.1秒，最小绿灯100 tick，黄灯30 tick，决策间隔200 tick
// 2. 补全各策略的超参数缺省值
// 3. 校验枚举项与数值范围
func NewRuntimeConfig(config Config) (*RuntimeConfig, error) {
	fillDefaults(&config)
	if err := validate(config); err != nil {
		return nil, err
	}
	return &RuntimeConfig{
		All: config,
		C:   config.Control,
	}, nil
}

// TickSeconds 每个tick对应的秒数
func (rc *RuntimeConfig) TickSeconds() float64 {
	return rc.C.Step.Interval
}

func fillDefaults(c *Config) {
	ctl := &c.Control
	if ctl.Step.Interval == 0 {
		ctl.Step.Interval = 0.1
	}
	if ctl.Policy == "" {
		ctl.Policy = PolicyFixed
	}
	if ctl.MinGreenTicks == 0 {
		ctl.MinGreenTicks = 100
	}
	if ctl.YellowTicks == 0 {
		ctl.YellowTicks = 30
	}
	if ctl.DecisionIntervalTicks == 0 {
		ctl.DecisionIntervalTicks = 200
	}
	if ctl.RewardMode == "" {
		ctl.RewardMode = "halting"
	}
	if ctl.HeartbeatInterval == 0 {
		ctl.HeartbeatInterval = 100
	}

	mp := &c.Policy.MaxPressure
	if mp.Metric == "" {
		mp.Metric = "queue"
	}

	w := &c.Policy.Webster
	w.SaturationFlow = lo.Ternary(w.SaturationFlow == 0, 1600, w.SaturationFlow)
	w.LostTimePerPhase = lo.Ternary(w.LostTimePerPhase == 0, 5, w.LostTimePerPhase)
	w.LostPhases = lo.Ternary(w.LostPhases == 0, 2, w.LostPhases)
	w.MinCycle = lo.Ternary(w.MinCycle == 0, 40, w.MinCycle)
	w.MaxCycle = lo.Ternary(w.MaxCycle == 0, 150, w.MaxCycle)
	w.MinGreen = lo.Ternary(w.MinGreen == 0, 10, w.MinGreen)
	w.PID.Kp = lo.Ternary(w.PID.Kp == 0, 0.5, w.PID.Kp)
	w.PID.Ti = lo.Ternary(w.PID.Ti == 0, 15, w.PID.Ti)
	w.PID.Td = lo.Ternary(w.PID.Td == 0, 4, w.PID.Td)
	w.PID.IntegralLimit = lo.Ternary(w.PID.IntegralLimit == 0, 100, w.PID.IntegralLimit)
	w.PID.MaxAdjustment = lo.Ternary(w.PID.MaxAdjustment == 0, 30, w.PID.MaxAdjustment)

	p := &c.Policy.PPO
	p.Gamma = lo.Ternary(p.Gamma == 0, 0.9, p.Gamma)
	p.Lambda = lo.Ternary(p.Lambda == 0, 0.95, p.Lambda)
	p.PolicyLR = lo.Ternary(p.PolicyLR == 0, 1e-4, p.PolicyLR)
	p.ValueLR = lo.Ternary(p.ValueLR == 0, 1e-4, p.ValueLR)
	p.Epochs = lo.Ternary(p.Epochs == 0, 4, p.Epochs)
	p.MinibatchSize = lo.Ternary(p.MinibatchSize == 0, 64, p.MinibatchSize)
	p.BatchSize = lo.Ternary(p.BatchSize == 0, 512, p.BatchSize)
	p.LogitClip = lo.Ternary(p.LogitClip == 0, 50, p.LogitClip)
	p.InitScale = lo.Ternary(p.InitScale == 0, 0.01, p.InitScale)
	p.ActionSpace = lo.Ternary(p.ActionSpace == "", "hold_switch", p.ActionSpace)
	p.Cadence = lo.Ternary(p.Cadence == "", "every_green_tick", p.Cadence)

	l := &c.Policy.LLM
	l.Provider = lo.Ternary(l.Provider == "", "gemini", l.Provider)
	l.Model = lo.Ternary(l.Model == "", "gemini-2.5-flash", l.Model)
	l.APIKeyEnv = lo.Ternary(l.APIKeyEnv == "", "GEMINI_API_KEY", l.APIKeyEnv)
	l.Timeout = lo.Ternary(l.Timeout == 0, 10*time.Second, l.Timeout)
	if l.MaxRetries == nil {
		l.MaxRetries = lo.ToPtr(l.Retries())
	}
	l.Schema = lo.Ternary(l.Schema == "", "group", l.Schema)
	l.Temperature = lo.Ternary[float32](l.Temperature == 0, 0.2, l.Temperature)
	l.MaxOutputTokens = lo.Ternary[int32](l.MaxOutputTokens == 0, 32, l.MaxOutputTokens)
	l.MinGreenSec = lo.Ternary(l.MinGreenSec == 0, 10, l.MinGreenSec)
	l.MaxGreenSec = lo.Ternary(l.MaxGreenSec == 0, 60, l.MaxGreenSec)

	s := &c.Simulator
	s.Kind = lo.Ternary(s.Kind == "", SimulatorSynthetic, s.Kind)
	s.Network = lo.Ternary(s.Network == "", "unix", s.Network)
	s.Timeout = lo.Ternary(s.Timeout == 0, 5*time.Second, s.Timeout)

	if pg := c.Output.Postgres; pg != nil && pg.Table == "" {
		pg.Table = "signal_runs"
	}
	if m := c.Output.MQTT; m != nil {
		m.Topic = lo.Ternary(m.Topic == "", "signal/decisions", m.Topic)
		m.ClientID = lo.Ternary(m.ClientID == "", "signal-controller", m.ClientID)
	}
}

func validate(c Config) error {
	ctl := c.Control
	if ctl.Step.Total <= 0 {
		return errors.New("config: control.step.total must be positive")
	}
	if ctl.Step.Interval < 0 {
		return errors.New("config: control.step.interval must be positive")
	}
	if ctl.TlsID == "" {
		return errors.New("config: control.tls_id must be specified")
	}
	if !lo.Contains(policies, ctl.Policy) {
		return fmt.Errorf("config: control.policy must be one of %v, got %q", policies, ctl.Policy)
	}
	if !lo.Contains(rewardModes, ctl.RewardMode) {
		return fmt.Errorf("config: control.reward_mode must be one of %v, got %q", rewardModes, ctl.RewardMode)
	}
	if ctl.MinGreenTicks < 0 || ctl.YellowTicks < 0 || ctl.DecisionIntervalTicks < 0 {
		return errors.New("config: tick counts must not be negative")
	}
	if len(c.Intersection.Approaches) == 0 {
		return errors.New("config: intersection.approaches must not be empty")
	}
	if c.Intersection.Preset == "" && len(c.Intersection.Phases) == 0 {
		return errors.New("config: intersection needs a preset or a phase list")
	}

	mp := c.Policy.MaxPressure
	if mp.Threshold < 0 || mp.MaxRepeat < 0 {
		return errors.New("config: policy.max_pressure threshold and max_repeat must not be negative")
	}
	if !lo.Contains(metrics, mp.Metric) {
		return fmt.Errorf("config: policy.max_pressure.metric must be one of %v", metrics)
	}
	w := c.Policy.Webster
	if w.MinCycle > w.MaxCycle {
		return fmt.Errorf("config: policy.webster.min_cycle %v exceeds max_cycle %v", w.MinCycle, w.MaxCycle)
	}
	p := c.Policy.PPO
	if !lo.Contains(actions, p.ActionSpace) {
		return fmt.Errorf("config: policy.ppo.action_space must be one of %v", actions)
	}
	if !lo.Contains(cadences, p.Cadence) {
		return fmt.Errorf("config: policy.ppo.cadence must be one of %v", cadences)
	}
	if p.Gamma < 0 || p.Gamma > 1 || p.Lambda < 0 || p.Lambda > 1 {
		return errors.New("config: policy.ppo gamma and lambda must be within [0,1]")
	}
	l := c.Policy.LLM
	if l.Retries() < 0 {
		return errors.New("config: policy.llm.max_retries must not be negative")
	}
	if !lo.Contains(schemas, l.Schema) {
		return fmt.Errorf("config: policy.llm.schema must be one of %v", schemas)
	}
	if l.MinGreenSec > l.MaxGreenSec {
		return errors.New("config: policy.llm.min_green_sec exceeds max_green_sec")
	}

	switch c.Simulator.Kind {
	case SimulatorBridge:
		if c.Simulator.Address == "" {
			return errors.New("config: simulator.address must be specified for the bridge")
		}
	case SimulatorSynthetic:
		if len(c.Simulator.Synthetic) == 0 {
			return errors.New("config: simulator.synthetic must list at least one lane")
		}
	default:
		return fmt.Errorf("config: unknown simulator.kind %q", c.Simulator.Kind)
	}
	return nil
}
