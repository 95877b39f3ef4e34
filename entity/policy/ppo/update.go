package ppo

import (
	"math"

	"github.com/samber/lo"
)

// ComputeGAE 广义优势估计
// 参数：rewards-逐步奖励，values-逐步价值估计，gamma-折扣因子，lambda-GAE参数
// 返回：逐步优势
// 算法说明：
// 1. 自后向前：delta_t = r_t + gamma * V_{t+1} - V_t，最后一步的V_{t+1}取0
// 2. A_t = delta_t + gamma * lambda * A_{t+1}
func ComputeGAE(rewards, values []float64, gamma, lambda float64) []float64 {
	n := len(rewards)
	adv := make([]float64, n)
	gae := 0.
	for t := n - 1; t >= 0; t-- {
		next := 0.
		if t < n-1 {
			next = values[t+1]
		}
		delta := rewards[t] + gamma*next - values[t]
		gae = delta + gamma*lambda*gae
		adv[t] = gae
	}
	return adv
}

// Normalize 标准化为零均值单位方差，标准差加1e-8
func Normalize(xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	mean := lo.Sum(xs) / float64(len(xs))
	variance := 0.
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	std := math.Sqrt(variance / float64(len(xs)))
	return lo.Map(xs, func(x float64, _ int) float64 {
		return (x - mean) / (std + logEps)
	})
}

// Update 用buffer中的经验进行一次更新并清空buffer
// 算法说明：
// 1. 计算GAE优势与回报（回报 = 优势 + 价值），优势标准化
// 2. 进行Epochs轮遍历，每轮打乱样本并按MinibatchSize切分
// 3. 策略：W += lr * mean(s ⊗ (onehot(a) - p) * A)，b同理
// 4. 价值：最小化均方误差，W -= lr * (2/B) * sum(s * (v - R))
func (l *Learner) Update() {
	items := l.buffer.Items()
	n := len(items)
	if n == 0 {
		return
	}
	rewards := lo.Map(items, func(e Experience, _ int) float64 { return e.Reward })
	values := lo.Map(items, func(e Experience, _ int) float64 { return e.Value })
	adv := ComputeGAE(rewards, values, l.cfg.Gamma, l.cfg.Lambda)
	returns := make([]float64, n)
	for i := range adv {
		returns[i] = adv[i] + values[i]
	}
	adv = Normalize(adv)

	batch := max(l.cfg.MinibatchSize, 1)
	for range max(l.cfg.Epochs, 1) {
		idx := l.rng.PermSafe(n)
		for start := 0; start < n; start += batch {
			end := min(start+batch, n)
			l.step(items, idx[start:end], adv, returns)
		}
	}
	l.buffer.Clear()
	l.updates++
	log.Infof("update #%d: %d samples, mean reward %.3f", l.updates, n, lo.Sum(rewards)/float64(n))
}

func (l *Learner) step(items []Experience, batch []int, adv, returns []float64) {
	size := float64(len(batch))
	gw := make([][]float64, l.stateDim)
	for i := range gw {
		gw[i] = make([]float64, l.actionDim)
	}
	gb := make([]float64, l.actionDim)
	gwv := make([]float64, l.stateDim)
	gbv := 0.

	for _, k := range batch {
		e := items[k]
		probs := l.Probs(e.State)
		for j := range probs {
			diff := -probs[j]
			if j == e.Action {
				diff += 1
			}
			g := diff * adv[k]
			gb[j] += g
			for i, s := range e.State {
				gw[i][j] += s * g
			}
		}
		errV := l.Value(e.State) - returns[k]
		gbv += errV
		for i, s := range e.State {
			gwv[i] += s * errV
		}
	}

	for i := range l.w {
		for j := range l.w[i] {
			l.w[i][j] += l.cfg.PolicyLR * gw[i][j] / size
		}
		l.wv[i] -= l.cfg.ValueLR * 2 * gwv[i] / size
	}
	for j := range l.b {
		l.b[j] += l.cfg.PolicyLR * gb[j] / size
	}
	l.bv -= l.cfg.ValueLR * 2 * gbv / size
}
