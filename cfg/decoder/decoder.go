package decoder

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Decoder 把配置文件内容解码为嵌套的 map
type Decoder interface {
	Decode(data []byte) (map[string]any, error)
}

// ForFile 按文件扩展名选择解码器
func ForFile(filename string) (Decoder, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" && strings.HasPrefix(filepath.Base(filename), ".env") {
		ext = ".env"
	}
	switch ext {
	case ".json":
		return NewJsonDecoder(), nil
	case ".yaml", ".yml":
		return NewYamlDecoder(), nil
	case ".toml":
		return NewTomlDecoder(), nil
	case ".ini":
		return NewIniDecoder(), nil
	case ".env":
		return NewEnvDecoder(), nil
	default:
		return nil, errors.Errorf("unsupported config file extension %q", ext)
	}
}

// normalize 把各个解析库产生的 map[any]any 统一为 map[string]any
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			key, ok := k.(string)
			if !ok {
				key = strings.TrimSpace(toString(k))
			}
			out[key] = normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// setPath 按路径写入嵌套 map，中间节点不存在时创建
func setPath(root map[string]any, path []string, value any) {
	node := root
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}
	node[path[len(path)-1]] = value
}
