package decoder

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// TomlDecoder TOML 解码器
type TomlDecoder struct{}

func NewTomlDecoder() *TomlDecoder {
	return &TomlDecoder{}
}

func (t *TomlDecoder) Decode(data []byte) (map[string]any, error) {
	var result map[string]any
	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode TOML")
	}
	if result == nil {
		return map[string]any{}, nil
	}
	return normalize(result).(map[string]any), nil
}
