package phase

import (
	"fmt"
	"strings"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
)

// ParseSignal 将信号字符串解码为每个连接的灯色
// 说明：G/g为绿灯，y/Y为黄灯，r/R/s为红灯，o/O（信号关闭）视为绿灯，其他字符为UNSPECIFIED
func ParseSignal(state string) []mapv2.LightState {
	out := make([]mapv2.LightState, len(state))
	for i, c := range state {
		switch c {
		case 'G', 'g', 'o', 'O':
			out[i] = mapv2.LightState_LIGHT_STATE_GREEN
		case 'y', 'Y':
			out[i] = mapv2.LightState_LIGHT_STATE_YELLOW
		case 'r', 'R', 's':
			out[i] = mapv2.LightState_LIGHT_STATE_RED
		default:
			out[i] = mapv2.LightState_LIGHT_STATE_UNSPECIFIED
		}
	}
	return out
}

// colorOf 相位颜色：含黄灯连接即为黄灯相位，否则含绿灯连接为绿灯相位
func colorOf(state string) (mapv2.LightState, error) {
	if strings.ContainsAny(state, "yY") {
		return mapv2.LightState_LIGHT_STATE_YELLOW, nil
	}
	if strings.ContainsAny(state, "Gg") {
		return mapv2.LightState_LIGHT_STATE_GREEN, nil
	}
	return mapv2.LightState_LIGHT_STATE_UNSPECIFIED, fmt.Errorf("%w: %q", ErrInvalidState, state)
}
