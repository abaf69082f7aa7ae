package decoder

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// IniDecoder INI 解码器
// section 名用 . 分隔表示嵌套，如 [databases.default.options]
type IniDecoder struct{}

func NewIniDecoder() *IniDecoder {
	return &IniDecoder{}
}

func (i *IniDecoder) Decode(data []byte) (map[string]any, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:         true,
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode INI")
	}

	result := map[string]any{}
	for _, section := range file.Sections() {
		var prefix []string
		if name := section.Name(); name != ini.DefaultSection {
			prefix = strings.Split(name, ".")
		}
		if len(prefix) > 0 && len(section.Keys()) == 0 {
			setPath(result, prefix, map[string]any{})
			continue
		}
		for _, key := range section.Keys() {
			path := append(append([]string{}, prefix...), key.Name())
			setPath(result, path, parseScalar(key.String()))
		}
	}
	return result, nil
}

// parseScalar 尝试把字符串转换为布尔值或数字
func parseScalar(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
