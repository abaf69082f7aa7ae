package alias

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// Descriptor 一个别名对应的连接描述
// Backend 为后端类型，Options 为该后端的连接参数，由后端自行解析
type Descriptor struct {
	Backend string         `cfg:"backend" validate:"required"`
	Options map[string]any `cfg:"options"`
}

// Clone 深拷贝描述，嵌套的 map 和 slice 都会复制
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := &Descriptor{Backend: d.Backend}
	if d.Options != nil {
		out.Options = deepCopy(d.Options).(map[string]any)
	}
	return out
}

// Equal 判断两个描述是否相同
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Backend != other.Backend {
		return false
	}
	if len(d.Options) == 0 && len(other.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(d.Options, other.Options)
}

var (
	secretKeyPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|credential)`)
	dsnUserInfo      = regexp.MustCompile(`([^:/@]+):([^@/]*)@`)
)

const redactedValue = "******"

// Redacted 返回可以写入日志的描述，密码类参数被屏蔽
func (d *Descriptor) Redacted() map[string]any {
	if d == nil {
		return nil
	}
	return map[string]any{
		"backend": d.Backend,
		"options": redact(d.Options),
	}
}

func (d *Descriptor) String() string {
	if d == nil {
		return "<nil>"
	}
	options := redact(d.Options)
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, options[k]))
	}
	return fmt.Sprintf("%s{%s}", d.Backend, strings.Join(parts, ", "))
}

func redact(options map[string]any) map[string]any {
	if options == nil {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		if secretKeyPattern.MatchString(k) {
			out[k] = redactedValue
			continue
		}
		switch val := v.(type) {
		case string:
			// 连接串中的 user:password@ 部分
			out[k] = dsnUserInfo.ReplaceAllString(val, "${1}:"+redactedValue+"@")
		case map[string]any:
			out[k] = redact(val)
		default:
			out[k] = v
		}
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
