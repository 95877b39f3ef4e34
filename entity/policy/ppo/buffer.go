package ppo

// Experience 单步经验
type Experience struct {
	State   []float64 `json:"state"`
	Action  int       `json:"action"`
	LogProb float64   `json:"log_prob"`
	Value   float64   `json:"value"`
	Reward  float64   `json:"reward"`
}

// Buffer 经验缓存，每次更新后清空
type Buffer struct {
	items []Experience
}

func (b *Buffer) Add(e Experience) {
	b.items = append(b.items, e)
}

func (b *Buffer) Len() int {
	return len(b.items)
}

func (b *Buffer) Items() []Experience {
	return b.items
}

func (b *Buffer) Clear() {
	b.items = b.items[:0]
}
