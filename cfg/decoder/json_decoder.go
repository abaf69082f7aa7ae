package decoder

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// JsonDecoder JSON 解码器，允许 // 和 /* */ 注释以及尾随逗号
type JsonDecoder struct{}

func NewJsonDecoder() *JsonDecoder {
	return &JsonDecoder{}
}

func (j *JsonDecoder) Decode(data []byte) (map[string]any, error) {
	var result map[string]any
	if err := json.Unmarshal(j.preprocess(data), &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode JSON")
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// preprocess 移除字符串外的注释和尾随逗号
func (j *JsonDecoder) preprocess(data []byte) []byte {
	var b strings.Builder
	runes := []rune(string(data))
	inString, escaped := false, false

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if inString {
			b.WriteRune(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			b.WriteRune(c)
			continue
		}
		if c == '/' && i+1 < len(runes) && runes[i+1] == '/' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			if i < len(runes) {
				b.WriteRune('\n')
			}
			continue
		}
		if c == '/' && i+1 < len(runes) && runes[i+1] == '*' {
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
			continue
		}
		b.WriteRune(c)
	}

	return trailingComma.ReplaceAll([]byte(b.String()), []byte("$1"))
}
