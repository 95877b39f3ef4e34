package phase

import "github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"

// 内置相位方案
const (
	PresetProtectedLeft       = "protected_left"        // 8相位保护左转，南北/东西两组
	PresetProtectedLeft4Group = "protected_left_4group" // 8相位保护左转，直行与左转各自成组
	PresetTwoPhase            = "two_phase"             // 东进口/南进口两组4相位
)

// 信号字符串共20个受控连接
var protectedLeft = []config.PhaseSpec{
	{Name: "NS Straight", State: "GGGGrrrrrrGGGGrrrrrr", Duration: 300},
	{Name: "NS Straight (Y)", State: "yyyyrrrrrryyyyrrrrrr", Duration: 30},
	{Name: "NS Left", State: "rrrrGrrrrrrrrrGrrrrr", Duration: 150},
	{Name: "NS Left (Y)", State: "rrrryrrrrrrrrryrrrrr", Duration: 30},
	{Name: "EW Straight", State: "rrrrrGGGGrrrrrGGGGrr", Duration: 300},
	{Name: "EW Straight (Y)", State: "rrrrryyyyrrrrryyyyrr", Duration: 30},
	{Name: "EW Left", State: "rrrrrrrrrGrrrrrrrrrG", Duration: 150},
	{Name: "EW Left (Y)", State: "rrrrrrrrryrrrrrrrrry", Duration: 30},
}

// Preset 获取内置相位方案
func Preset(name string) ([]config.PhaseSpec, bool) {
	switch name {
	case PresetProtectedLeft:
		return withGroups(protectedLeft, "NS", "NS", "NS", "NS", "EW", "EW", "EW", "EW"), true
	case PresetProtectedLeft4Group:
		return withGroups(protectedLeft,
			"NS_STRAIGHT", "NS_STRAIGHT", "NS_LEFT", "NS_LEFT",
			"EW_STRAIGHT", "EW_STRAIGHT", "EW_LEFT", "EW_LEFT",
		), true
	case PresetTwoPhase:
		return []config.PhaseSpec{
			{Name: "EB Green", State: "GGrr", Duration: 300, Group: "EB"},
			{Name: "EB Yellow", State: "yyrr", Duration: 30, Group: "EB"},
			{Name: "SB Green", State: "rrGG", Duration: 300, Group: "SB"},
			{Name: "SB Yellow", State: "rryy", Duration: 30, Group: "SB"},
		}, true
	}
	return nil, false
}

func withGroups(base []config.PhaseSpec, groups ...string) []config.PhaseSpec {
	out := make([]config.PhaseSpec, len(base))
	for i, s := range base {
		s.Group = groups[i]
		out[i] = s
	}
	return out
}
