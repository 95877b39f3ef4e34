package clock

import (
	"fmt"
	"math"
	"sync/atomic"

	"git.fiblab.net/sim/protos/v2/go/city/clock/v1/clockv1connect"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

// Clock 控制循环时钟
// 功能：管理tick推进与仿真时间，提供时间格式化和RPC服务
// 说明：Tick只由控制循环修改；当前时间另以原子变量发布，供RPC协程读取
type Clock struct {
	clockv1connect.UnimplementedClockServiceHandler

	DT        float64 // 每个tick的时间间隔（秒）
	StartTick int     // 起始tick，只影响报告的时间
	EndTick   int     // 结束tick，运行区间[Start, End)

	Tick int     // 已完成的tick数
	T    float64 // 当前时间（秒）

	published atomic.Uint64 // T的位模式
}

// New 根据配置创建新的时钟实例
// 参数：stepConfig-控制步配置，包含起始步、总步数与时间间隔
// 返回：初始化完成的时钟实例
func New(stepConfig config.ControlStep) *Clock {
	c := &Clock{
		DT:        stepConfig.Interval,
		StartTick: int(stepConfig.Start),
		EndTick:   int(stepConfig.Start + stepConfig.Total),
	}
	c.Init()
	return c
}

// Init 重置时钟状态
func (c *Clock) Init() {
	c.Tick = 0
	c.T = float64(c.StartTick) * c.DT
	c.published.Store(math.Float64bits(c.T))
}

// Advance 推进一个tick并发布当前时间
func (c *Clock) Advance() {
	c.Tick++
	c.T = float64(c.StartTick+c.Tick) * c.DT
	c.published.Store(math.Float64bits(c.T))
}

// Budget 运行的总tick数
func (c *Clock) Budget() int {
	return c.EndTick - c.StartTick
}

// Done 是否已用完tick预算
func (c *Clock) Done() bool {
	return c.StartTick+c.Tick >= c.EndTick
}

// NowSec 最近一次发布的时间（秒），可在任意协程调用
func (c *Clock) NowSec() float64 {
	return math.Float64frombits(c.published.Load())
}

// String 获取时钟的字符串表示（HH:MM:SS）
func (c *Clock) String() string {
	hour, minute, second := c.GetHourMinuteSecond()
	return fmt.Sprintf("%02d:%02d:%02d", hour, minute, int(second))
}

// GetHourMinuteSecond 获取当前时间的小时、分钟、秒
// 返回：小时、分钟、秒（秒为浮点数，支持亚秒级精度）
func (c *Clock) GetHourMinuteSecond() (int, int, float64) {
	hour := int(c.T) / 3600
	minute := int(c.T) % 3600 / 60
	second := c.T - float64(hour*3600+minute*60)
	return hour, minute, second
}
