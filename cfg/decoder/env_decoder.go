package decoder

import (
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// EnvDecoder .env 解码器
// 键名转为小写后按 Separator 拆分为嵌套路径，带 Prefix 的键先去掉前缀
//
//	MULTIDB_DATABASES__DEFAULT__BACKEND=memory  ->  databases.default.backend
type EnvDecoder struct {
	Prefix    string
	Separator string
}

func NewEnvDecoder() *EnvDecoder {
	return &EnvDecoder{
		Prefix:    "MULTIDB_",
		Separator: "__",
	}
}

func (e *EnvDecoder) Decode(data []byte) (map[string]any, error) {
	values, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode .env")
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	// 短路径先写入，避免被同名前缀覆盖
	sort.Strings(keys)

	result := map[string]any{}
	for _, key := range keys {
		name := key
		if e.Prefix != "" {
			if !strings.HasPrefix(name, e.Prefix) {
				continue
			}
			name = strings.TrimPrefix(name, e.Prefix)
		}
		var path []string
		for _, part := range strings.Split(strings.ToLower(name), e.Separator) {
			if part != "" {
				path = append(path, part)
			}
		}
		if len(path) == 0 {
			continue
		}
		setPath(result, path, parseScalar(values[key]))
	}
	return result, nil
}
