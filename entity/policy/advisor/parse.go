package advisor

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"
)

type groupReply struct {
	Group string `json:"group"`
}

type phaseReply struct {
	Phase    string   `json:"phase"`
	Duration *float64 `json:"duration"`
}

// extract 取回复中第一个含有key字段的合法JSON对象
// 算法说明：
// 1. 依次从每个'{'开始解码一个JSON值，忽略其后的文字
// 2. 解码成功且含有key字段（大小写不敏感）的第一个对象即为回复
// 3. 没有这样的对象时返回最早一次解码的错误
func extract(text string, key string, v any) *Error {
	var firstErr error
	for i := strings.IndexByte(text, '{'); i >= 0; {
		var raw json.RawMessage
		err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raw)
		var fields map[string]json.RawMessage
		if err == nil && json.Unmarshal(raw, &fields) == nil &&
			lo.SomeBy(lo.Keys(fields), func(k string) bool { return strings.EqualFold(k, key) }) {
			if err := json.Unmarshal(raw, v); err != nil {
				return &Error{Kind: KindMalformed, Err: fmt.Errorf("decode %s: %w", raw, err)}
			}
			return nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	if firstErr != nil {
		return &Error{Kind: KindMalformed, Err: fmt.Errorf("decode %q: %w", text, firstErr)}
	}
	return &Error{Kind: KindMalformed, Err: ErrNoJSONObject}
}

// ParseGroup 解析{"group": ...}格式的回复
// 说明：大小写不敏感地匹配词表，返回词表中的原始写法
func ParseGroup(text string, groups []string) (string, error) {
	var r groupReply
	if err := extract(text, "group", &r); err != nil {
		return "", err
	}
	want := strings.TrimSpace(r.Group)
	for _, g := range groups {
		if strings.EqualFold(g, want) {
			return g, nil
		}
	}
	return "", &Error{Kind: KindOutOfVocabulary, Err: fmt.Errorf("%w: group %q", ErrOutOfVocabulary, r.Group)}
}

// ParsePhaseDuration 解析{"phase": ..., "duration": ...}格式的回复
// 返回：词表中的绿灯相位名与夹在[minSec, maxSec]内的秒数
func ParsePhaseDuration(text string, phases []string, minSec, maxSec float64) (string, float64, error) {
	var r phaseReply
	if err := extract(text, "phase", &r); err != nil {
		return "", 0, err
	}
	if r.Duration == nil || math.IsNaN(*r.Duration) {
		return "", 0, &Error{Kind: KindMalformed, Err: fmt.Errorf("missing duration in %q", text)}
	}
	want := strings.TrimSpace(r.Phase)
	for _, p := range phases {
		if strings.EqualFold(p, want) {
			return p, math.Max(minSec, math.Min(maxSec, *r.Duration)), nil
		}
	}
	return "", 0, &Error{Kind: KindOutOfVocabulary, Err: fmt.Errorf("%w: phase %q", ErrOutOfVocabulary, r.Phase)}
}
