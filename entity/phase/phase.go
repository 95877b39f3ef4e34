// 相位表：按顺序排列的信号相位目录，划分为若干相位组
// 每个相位组由若干“绿灯-黄灯”对组成，组内顺序执行，组结束后由决策策略选择下一组
package phase

import (
	"errors"
	"fmt"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

var (
	ErrEmptyTable   = errors.New("phase: table must contain at least one phase")
	ErrInvalidState = errors.New("phase: signal state must contain a yellow or a green link")
	ErrGroupLayout  = errors.New("phase: intersection groups do not match the phase table")
)

// Phase 单个信号相位
type Phase struct {
	ID       int              // 在相位表中的下标
	Name     string           // 相位名
	State    string           // 信号字符串，每个字符对应一个受控连接
	Duration int              // 名义时长（tick）
	Group    string           // 所属相位组
	Color    mapv2.LightState // 相位颜色，GREEN或YELLOW
}

// IsGreen 是否为绿灯相位
func (p Phase) IsGreen() bool {
	return p.Color == mapv2.LightState_LIGHT_STATE_GREEN
}

// IsYellow 是否为黄灯相位
func (p Phase) IsYellow() bool {
	return p.Color == mapv2.LightState_LIGHT_STATE_YELLOW
}

// Table 相位表
// 功能：构造后不可修改的相位目录，提供按组的查询
type Table struct {
	phases      []Phase
	groups      []string         // 按表中首次出现的顺序
	groupPhases map[string][]int // 相位组 -> 相位下标（按顺序）
	byName      map[string]int
}

// New 根据相位配置创建相位表
// 功能：解析并校验相位列表，构建按组索引
// 参数：specs-按顺序排列的相位配置
// 返回：相位表，配置非法时返回错误
// 算法说明：
// 1. 由信号字符串推导每个相位的颜色，所有信号字符串长度必须一致
// 2. 每个相位组必须是表中连续的一段
// 3. 组内相位严格按“绿灯、黄灯”交替，以绿灯开始、以黄灯结束
func New(specs []config.PhaseSpec) (*Table, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyTable
	}
	t := &Table{
		phases:      make([]Phase, 0, len(specs)),
		groupPhases: make(map[string][]int),
		byName:      make(map[string]int),
	}
	width := len(specs[0].State)
	for i, s := range specs {
		color, err := colorOf(s.State)
		if err != nil {
			return nil, fmt.Errorf("phase %d: %w", i, err)
		}
		if len(s.State) != width {
			return nil, fmt.Errorf("phase %d: state %q has %d links, want %d", i, s.State, len(s.State), width)
		}
		if s.Duration <= 0 {
			return nil, fmt.Errorf("phase %d: duration must be positive", i)
		}
		if s.Group == "" {
			return nil, fmt.Errorf("phase %d: group must be specified", i)
		}
		name := lo.Ternary(s.Name == "", fmt.Sprintf("phase_%d", i), s.Name)
		if _, ok := t.byName[name]; ok {
			return nil, fmt.Errorf("phase %d: duplicated name %q", i, name)
		}
		if ids, ok := t.groupPhases[s.Group]; ok && ids[len(ids)-1] != i-1 {
			return nil, fmt.Errorf("phase %d: group %q is not contiguous", i, s.Group)
		}
		if _, ok := t.groupPhases[s.Group]; !ok {
			t.groups = append(t.groups, s.Group)
		}
		t.groupPhases[s.Group] = append(t.groupPhases[s.Group], i)
		t.byName[name] = i
		t.phases = append(t.phases, Phase{
			ID:       i,
			Name:     name,
			State:    s.State,
			Duration: s.Duration,
			Group:    s.Group,
			Color:    color,
		})
	}
	for _, g := range t.groups {
		ids := t.groupPhases[g]
		for k, id := range ids {
			wantGreen := k%2 == 0
			if t.phases[id].IsGreen() != wantGreen {
				return nil, fmt.Errorf("group %q: phase %q breaks the green/yellow alternation", g, t.phases[id].Name)
			}
		}
		if !t.phases[ids[len(ids)-1]].IsYellow() {
			return nil, fmt.Errorf("group %q: must end with a yellow phase", g)
		}
	}
	return t, nil
}

// FromConfig 根据路口配置创建相位表（预设或显式列表）
// 功能：创建相位表，并检查路口配置中的相位组布局与相位表一致
// 参数：c-路口配置
// 返回：相位表；预设未知、相位列表非法或相位组布局不一致时返回错误
// 说明：配置了intersection.groups时，其ID集合必须与相位表的相位组完全相同
func FromConfig(c config.Intersection) (*Table, error) {
	specs := c.Phases
	if c.Preset != "" {
		var ok bool
		if specs, ok = Preset(c.Preset); !ok {
			return nil, fmt.Errorf("phase: unknown preset %q", c.Preset)
		}
	}
	t, err := New(specs)
	if err != nil {
		return nil, err
	}
	if len(c.Groups) == 0 {
		return t, nil
	}
	ids := lo.Map(c.Groups, func(s config.LaneSet, _ int) string { return s.ID })
	if dup := lo.FindDuplicates(ids); len(dup) > 0 {
		return nil, fmt.Errorf("%w: duplicate groups %v", ErrGroupLayout, dup)
	}
	if extra, missing := lo.Difference(ids, t.groups); len(extra) > 0 || len(missing) > 0 {
		return nil, fmt.Errorf("%w: unknown groups %v, groups without lanes %v", ErrGroupLayout, extra, missing)
	}
	return t, nil
}

// Len 相位数
func (t *Table) Len() int {
	return len(t.phases)
}

// Valid 相位下标是否有效
func (t *Table) Valid(id int) bool {
	return id >= 0 && id < len(t.phases)
}

// Phase 获取相位
func (t *Table) Phase(id int) Phase {
	return t.phases[id]
}

// Phases 全部相位（副本）
func (t *Table) Phases() []Phase {
	return append([]Phase(nil), t.phases...)
}

// PhaseByName 按名称查找相位
func (t *Table) PhaseByName(name string) (int, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Groups 所有相位组（表中顺序）
func (t *Table) Groups() []string {
	return append([]string(nil), t.groups...)
}

// HasGroup 是否存在该相位组
func (t *Table) HasGroup(g string) bool {
	_, ok := t.groupPhases[g]
	return ok
}

// GroupPhases 相位组内的相位下标
func (t *Table) GroupPhases(g string) []int {
	return append([]int(nil), t.groupPhases[g]...)
}

// FirstPhase 相位组的首个相位，不存在时返回-1
func (t *Table) FirstPhase(g string) int {
	ids, ok := t.groupPhases[g]
	if !ok {
		return -1
	}
	return ids[0]
}

// NextInGroup 组内下一个相位
// 返回：下一相位下标；id已是组内最后一个相位时返回false
func (t *Table) NextInGroup(id int) (int, bool) {
	p := t.phases[id]
	ids := t.groupPhases[p.Group]
	if ids[len(ids)-1] == id {
		return -1, false
	}
	return id + 1, true
}

// YellowAfter 绿灯相位之后的黄灯相位；id本身为黄灯时返回自身
func (t *Table) YellowAfter(id int) int {
	if t.phases[id].IsYellow() {
		return id
	}
	return id + 1
}

// IsGroupBoundary id是否为其相位组的最后一个相位
func (t *Table) IsGroupBoundary(id int) bool {
	_, ok := t.NextInGroup(id)
	return !ok
}

// NextGroup 按表中顺序循环的下一相位组
func (t *Table) NextGroup(g string) string {
	_, i, ok := lo.FindIndexOf(t.groups, func(x string) bool { return x == g })
	if !ok {
		return t.groups[0]
	}
	return t.groups[(i+1)%len(t.groups)]
}

// GreenPhases 全部绿灯相位下标
func (t *Table) GreenPhases() []int {
	return lo.FilterMap(t.phases, func(p Phase, _ int) (int, bool) {
		return p.ID, p.IsGreen()
	})
}

// GroupGreens 相位组内的绿灯相位下标
func (t *Table) GroupGreens(g string) []int {
	return lo.Filter(t.groupPhases[g], func(id int, _ int) bool {
		return t.phases[id].IsGreen()
	})
}
