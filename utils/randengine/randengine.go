// 随机数引擎，包装了golang.org/x/exp/rand，提供学习器与合成仿真器所需的随机数生成方法
package randengine

import (
	"flag"
	"math"
	"sync"

	"golang.org/x/exp/rand"
)

var (
	seedOffset = flag.Uint64("rand.seed_offset", 0, "seed offset") // 种子偏移量，用于调整随机数生成
)

// Engine 随机数引擎
// 功能：提供可复现的随机数生成功能，支持多种分布
// 说明：基于golang.org/x/exp/rand库，同一种子总是得到同一序列
type Engine struct {
	*rand.Rand            // 底层随机数生成器
	mtx        sync.Mutex // 互斥锁，用于线程安全操作
}

// New 创建随机数引擎
// 功能：初始化一个新的随机数引擎实例
// 参数：seed-随机数种子
// 返回：随机数引擎指针
// 说明：种子偏移量允许在不修改配置的情况下调整随机数序列
func New(seed uint64) *Engine {
	return &Engine{Rand: rand.New(rand.NewSource(seed + *seedOffset))}
}

// Categorical 按给定概率分布采样下标（非线程安全）
// 功能：根据权重数组生成离散分布的随机数
// 参数：weight-权重数组，每个元素表示对应索引的概率权重
// 返回：随机生成的索引值（0到len(weight)-1），权重为空时返回-1
// 算法说明：
// 1. 计算总权重，总权重非正或非有限时退化为均匀分布
// 2. 在[0, 总权重)范围内生成随机数
// 3. 累积权重直到超过随机数
// 4. 浮点误差导致未命中时返回最后一个正权重的下标
func (e *Engine) Categorical(weight []float64) int {
	if len(weight) == 0 {
		return -1
	}
	total := .0
	for _, w := range weight {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return e.Intn(len(weight))
	}
	random := total * e.Float64()
	sum := 0.
	last := 0
	for i, w := range weight {
		if w <= 0 {
			continue
		}
		last = i
		sum += w
		if sum > random {
			return i
		}
	}
	return last
}

// PTrue 以指定概率返回true（非线程安全）
// 说明：实现伯努利分布，用于模拟车辆到达与驶离
func (e *Engine) PTrue(p float64) bool {
	return e.Float64() < p
}

// Normal 生成正态分布随机数（非线程安全）
func (e *Engine) Normal(mean, std float64) float64 {
	return mean + std*e.NormFloat64()
}

// PermSafe 随机排列（线程安全）
// 功能：返回[0, n)的随机排列，用于小批量训练时打乱样本顺序
func (e *Engine) PermSafe(n int) []int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.Perm(n)
}
