package advisor

import (
	"fmt"
	"strings"

	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/telemetry"
)

// 回复格式
const (
	SchemaGroup         = "group"          // {"group": "<相位组>"}
	SchemaPhaseDuration = "phase_duration" // {"phase": "<绿灯相位名>", "duration": <秒>}
)

// PromptInput 构造提示词所需的路口状态
type PromptInput struct {
	Schema       string
	TimeSec      float64
	CurrentGroup string
	Groups       []string // 可选相位组（表中顺序）
	GreenPhases  []string // 可选绿灯相位名（表中顺序）
	Snapshot     *telemetry.QueueSnapshot
	MinGreenSec  float64
	MaxGreenSec  float64
}

// BuildPrompt 构造提示词
// 说明：列出各相位组的排队与停车数，并给出合法取值的完整列表，要求只返回一个JSON对象
func BuildPrompt(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You control a signalized intersection with %d movement groups.\n\n", len(in.Groups))
	fmt.Fprintf(&b, "Current time: %.1f s\n", in.TimeSec)
	fmt.Fprintf(&b, "Current group: %s\n\n", in.CurrentGroup)
	b.WriteString("Queues (vehicles / halting):\n")
	for _, g := range in.Groups {
		c := in.Snapshot.Group(g)
		fmt.Fprintf(&b, "  %-12s = %d / %d\n", g, c.Vehicles, c.Halting)
	}
	b.WriteString("\nGoal:\n- Minimize total queue and stopped vehicles over the whole simulation.\n")
	switch in.Schema {
	case SchemaPhaseDuration:
		b.WriteString("- Choose the green phase to serve next and its green duration in seconds.\n\n")
		b.WriteString("Valid phases (exact strings):\n")
		for _, p := range in.GreenPhases {
			fmt.Fprintf(&b, "  %q\n", p)
		}
		fmt.Fprintf(&b, "\nDuration must be between %.0f and %.0f seconds.\n", in.MinGreenSec, in.MaxGreenSec)
		b.WriteString("\nReturn ONLY one JSON object, no explanation, no extra text, for example:\n")
		if len(in.GreenPhases) > 0 {
			fmt.Fprintf(&b, "{\"phase\": %q, \"duration\": %.0f}\n", in.GreenPhases[0], in.MinGreenSec)
		}
	default:
		b.WriteString("- Choose the movement group that should receive the NEXT full green+yellow cycle.\n\n")
		b.WriteString("Valid options (exact strings):\n")
		for _, g := range in.Groups {
			fmt.Fprintf(&b, "  %q\n", g)
		}
		b.WriteString("\nReturn ONLY one JSON object, no explanation, no extra text:\n")
		for i, g := range in.Groups {
			if i > 0 {
				b.WriteString("or\n")
			}
			fmt.Fprintf(&b, "{\"group\": %q}\n", g)
		}
	}
	return b.String()
}
