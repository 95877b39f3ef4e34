package config

import "time"

// OutputPath 指定MongoDB输出位置的配置项
// 功能：定义运行结果写入的数据库与集合
type OutputPath struct {
	URI string `yaml:"uri"`           // MongoDB连接字符串，为空则不写入
	DB  string `yaml:"db"`            // 数据库名
	Col string `yaml:"col,omitempty"` // 集合名，为空则采用默认名称
}

// GetDb 获取数据库名
func (p OutputPath) GetDb() string {
	return p.DB
}

// GetColl 获取集合名
// 功能：返回配置的集合名称，未配置时使用默认名signal_summary
func (p OutputPath) GetColl() string {
	if p.Col != "" {
		return p.Col
	}
	return "signal_summary"
}

// ControlStep 指定控制器运行时间范围和间隔的配置项
// 功能：定义仿真时间控制参数
// 说明：Total为总tick数（即运行预算），Interval为每个tick对应的秒数
type ControlStep struct {
	Start    int32   `yaml:"start"`    // 开始步数
	Total    int32   `yaml:"total"`    // 总步数
	Interval float64 `yaml:"interval"` // 每步的时间间隔（秒）
}

// Control 控制器全局配置
// 功能：定义信控安全约束与决策节奏
type Control struct {
	Step                  ControlStep `yaml:"step"`
	TlsID                 string      `yaml:"tls_id"`                            // 被控信号灯ID
	Policy                string      `yaml:"policy"`                            // 决策策略
	MinGreenTicks         int         `yaml:"min_green_ticks"`                   // 最小绿灯tick数
	YellowTicks           int         `yaml:"yellow_ticks"`                      // 黄灯tick数
	DecisionIntervalTicks int         `yaml:"decision_interval_ticks"`           // 固定间隔决策的tick数（Webster）
	RewardMode            string      `yaml:"reward_mode,omitempty"`             // halting|vehicle
	InitialGroup          string      `yaml:"initial_group,omitempty"`           // 初始相位组
	HeartbeatInterval     int         `yaml:"heartbeat_interval,omitempty"`      // 心跳日志间隔
}

// PhaseSpec 单个相位的配置
type PhaseSpec struct {
	Name     string `yaml:"name"`
	State    string `yaml:"state"`    // 信号字符串，如GGrr
	Duration int    `yaml:"duration"` // 名义时长（tick）
	Group    string `yaml:"group"`    // 所属相位组
}

// LaneSet 一组被监测车道（进口道或相位组）
type LaneSet struct {
	ID    string   `yaml:"id"`
	Lanes []string `yaml:"lanes"`
}

// Intersection 路口配置
// 功能：定义相位表与检测器布局
// 说明：Preset非空时使用内置相位表，否则使用Phases
type Intersection struct {
	Preset     string      `yaml:"preset,omitempty"`
	Phases     []PhaseSpec `yaml:"phases,omitempty"`
	Approaches []LaneSet   `yaml:"approaches"`
	Groups     []LaneSet   `yaml:"groups"` // 相位组 -> 车道（压力计算）
}

// MaxPressure 最大压力法参数
type MaxPressure struct {
	Threshold float64 `yaml:"threshold"`            // 切换死区（车辆数）
	Metric    string  `yaml:"metric,omitempty"`     // queue|halting
	MaxRepeat int     `yaml:"max_repeat,omitempty"` // 同一组最多连续保持次数，0为不限制
}

// PID PID反馈参数
type PID struct {
	Enabled       *bool   `yaml:"enabled,omitempty"` // 未配置时启用
	Kp            float64 `yaml:"kp"`
	Ti            float64 `yaml:"ti"`
	Td            float64 `yaml:"td"`
	IntegralLimit float64 `yaml:"integral_limit"`
	MaxAdjustment float64 `yaml:"max_adjustment"` // 周期最大调整量（秒）
}

// IsEnabled 是否启用PID修正，未配置时默认启用
func (p PID) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Webster Webster配时参数
type Webster struct {
	SaturationFlow   float64 `yaml:"saturation_flow"`     // veh/h/lane
	LostTimePerPhase float64 `yaml:"lost_time_per_phase"` // 秒
	LostPhases       int     `yaml:"lost_phases"`
	MinCycle         float64 `yaml:"min_cycle"` // 秒
	MaxCycle         float64 `yaml:"max_cycle"` // 秒
	MinGreen         float64 `yaml:"min_green"` // 秒
	PID              PID     `yaml:"pid"`
}

// PPO 在线策略梯度学习器参数
type PPO struct {
	Gamma         float64 `yaml:"gamma"`
	Lambda        float64 `yaml:"lambda"`
	PolicyLR      float64 `yaml:"policy_lr"`
	ValueLR       float64 `yaml:"value_lr"`
	Epochs        int     `yaml:"epochs"`
	MinibatchSize int     `yaml:"minibatch_size"`
	BatchSize     int     `yaml:"batch_size"` // 触发更新的buffer长度
	LogitClip     float64 `yaml:"logit_clip"`
	InitScale     float64 `yaml:"init_scale"`
	Seed          uint64  `yaml:"seed"`
	ActionSpace   string  `yaml:"action_space,omitempty"` // hold_switch|choose_group
	Cadence       string  `yaml:"cadence,omitempty"`      // every_green_tick|group_boundary
}

// LLM 外部大模型顾问参数
type LLM struct {
	Provider        string        `yaml:"provider,omitempty"` // gemini
	Model           string        `yaml:"model"`
	APIKeyEnv       string        `yaml:"api_key_env"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      *int          `yaml:"max_retries"` // 未配置时为2
	Schema          string        `yaml:"schema"` // group|phase_duration
	Temperature     float32       `yaml:"temperature"`
	MaxOutputTokens int32         `yaml:"max_output_tokens"`
	MinGreenSec     float64       `yaml:"min_green_sec"`
	MaxGreenSec     float64       `yaml:"max_green_sec"`
}

// Retries 超时与传输错误的最大重试次数，未配置时默认重试2次
func (l LLM) Retries() int {
	if l.MaxRetries == nil {
		return 2
	}
	return *l.MaxRetries
}

// Policy 各策略的超参数
type Policy struct {
	MaxPressure MaxPressure `yaml:"max_pressure"`
	Webster     Webster     `yaml:"webster"`
	PPO         PPO         `yaml:"ppo"`
	LLM         LLM         `yaml:"llm"`
}

// SyntheticLane 合成仿真器的车道参数
type SyntheticLane struct {
	ID            string  `yaml:"id"`
	Links         []int   `yaml:"links"`          // 信号字符串中控制该车道的下标
	ArrivalRate   float64 `yaml:"arrival_rate"`   // veh/s
	DischargeRate float64 `yaml:"discharge_rate"` // veh/s（绿灯时）
	StartupWave   float64 `yaml:"startup_wave,omitempty"`
	InitialQueue  int     `yaml:"initial_queue,omitempty"`
}

// Simulator 仿真器协作方配置
type Simulator struct {
	Kind      string          `yaml:"kind"`                // bridge|synthetic
	Network   string          `yaml:"network,omitempty"`   // unix|tcp
	Address   string          `yaml:"address,omitempty"`   // socket路径或host:port
	Timeout   time.Duration   `yaml:"timeout,omitempty"`   // 单次请求超时
	Seed      uint64          `yaml:"seed,omitempty"`      // 合成仿真器随机种子
	Synthetic []SyntheticLane `yaml:"synthetic,omitempty"` // 合成仿真器车道
}

// Postgres 结果写入Postgres的配置
type Postgres struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table,omitempty"`
}

// MQTT 决策事件发布配置
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
}

// Output 运行结果输出配置
type Output struct {
	Mongo    *OutputPath `yaml:"mongo,omitempty"`
	Postgres *Postgres   `yaml:"postgres,omitempty"`
	MQTT     *MQTT       `yaml:"mqtt,omitempty"`
}

// Ops 运维接口配置
type Ops struct {
	MetricsAddr string `yaml:"metrics_addr,omitempty"` // Prometheus监听地址
	HealthAddr  string `yaml:"health_addr,omitempty"`  // gRPC健康检查监听地址
	Listen      string `yaml:"listen,omitempty"`       // sidecar RPC监听地址
}

// Config YAML配置文件的根结构
// 功能：定义整个控制器的配置结构
type Config struct {
	Control      Control      `yaml:"control"`
	Intersection Intersection `yaml:"intersection"`
	Policy       Policy       `yaml:"policy"`
	Simulator    Simulator    `yaml:"simulator"`
	Output       Output       `yaml:"output,omitempty"`
	Ops          Ops          `yaml:"ops,omitempty"`
}
