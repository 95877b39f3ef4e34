// 在线策略梯度学习器：线性策略与线性价值函数，按固定批量进行GAE优势估计与多轮小批量更新
package ppo

import (
	"math"

	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/randengine"
)

var log = logrus.WithField("module", "ppo")

const logEps = 1e-8

// Config 学习器超参数
type Config struct {
	Gamma         float64 // 折扣因子
	Lambda        float64 // GAE参数
	PolicyLR      float64 // 策略学习率
	ValueLR       float64 // 价值学习率
	Epochs        int     // 每次更新的遍历轮数
	MinibatchSize int     // 小批量大小
	BatchSize     int     // buffer达到该长度时更新
	LogitClip     float64 // logits截断范围
	InitScale     float64 // 权重初始化标准差
}

// Learner 线性策略学习器
type Learner struct {
	cfg       Config
	stateDim  int
	actionDim int

	w  [][]float64 // 策略权重 [stateDim][actionDim]
	b  []float64   // 策略偏置 [actionDim]
	wv []float64   // 价值权重 [stateDim]
	bv float64     // 价值偏置

	rng     *randengine.Engine
	buffer  Buffer
	updates int
}

// New 创建学习器
// 功能：按N(0, InitScale)初始化策略与价值权重，偏置为0
// 参数：cfg-超参数，stateDim-状态维度，actionDim-动作数，rng-随机数引擎（采样、初始化与打乱样本）
func New(cfg Config, stateDim, actionDim int, rng *randengine.Engine) *Learner {
	l := &Learner{
		cfg:       cfg,
		stateDim:  stateDim,
		actionDim: actionDim,
		w:         make([][]float64, stateDim),
		b:         make([]float64, actionDim),
		wv:        make([]float64, stateDim),
		rng:       rng,
	}
	for i := range l.w {
		l.w[i] = make([]float64, actionDim)
		for j := range l.w[i] {
			l.w[i][j] = rng.Normal(0, cfg.InitScale)
		}
		l.wv[i] = rng.Normal(0, cfg.InitScale)
	}
	return l
}

// Probs 给定状态下的动作概率
func (l *Learner) Probs(state []float64) []float64 {
	logits := make([]float64, l.actionDim)
	for j := range logits {
		logits[j] = l.b[j]
		for i, s := range state {
			logits[j] += s * l.w[i][j]
		}
	}
	return StableSoftmax(logits, l.cfg.LogitClip)
}

// Value 状态价值估计
func (l *Learner) Value(state []float64) float64 {
	v := l.bv
	for i, s := range state {
		v += s * l.wv[i]
	}
	return v
}

// Act 按当前策略采样动作
// 返回：动作下标、该动作的对数概率、状态价值估计
func (l *Learner) Act(state []float64) (action int, logProb float64, value float64) {
	probs := l.Probs(state)
	action = l.rng.Categorical(probs)
	return action, math.Log(probs[action] + logEps), l.Value(state)
}

// LogProb 指定动作在当前策略下的对数概率
func (l *Learner) LogProb(state []float64, action int) float64 {
	return math.Log(l.Probs(state)[action] + logEps)
}

// Record 记录一条完整经验，buffer达到BatchSize时立即更新
// 返回：是否进行了更新
func (l *Learner) Record(e Experience) bool {
	l.buffer.Add(e)
	if l.buffer.Len() >= l.cfg.BatchSize {
		l.Update()
		return true
	}
	return false
}

// Buffered 当前buffer长度
func (l *Learner) Buffered() int {
	return l.buffer.Len()
}

// Updates 已完成的更新次数
func (l *Learner) Updates() int {
	return l.updates
}

// StableSoftmax 数值稳定的softmax
// 算法说明：
// 1. logits截断到[-clip, clip]，减去最大值后取指数
// 2. 指数和非正或非有限时退化为均匀分布
func StableSoftmax(logits []float64, clip float64) []float64 {
	n := len(logits)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	m := math.Inf(-1)
	clipped := make([]float64, n)
	for i, x := range logits {
		if clip > 0 {
			x = math.Max(-clip, math.Min(clip, x))
		}
		clipped[i] = x
		m = math.Max(m, x)
	}
	sum := 0.
	for i, x := range clipped {
		out[i] = math.Exp(x - m)
		sum += out[i]
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
