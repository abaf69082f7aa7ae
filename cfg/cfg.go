package cfg

import (
	"os"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hatlonely/multidb/cfg/decoder"
	"github.com/pkg/errors"
)

// Load 读取配置文件并解码到 out
// 文件格式由扩展名决定，支持 json、yaml、toml、ini 和 .env
func Load(filename string, out any) error {
	data, err := LoadMap(filename)
	if err != nil {
		return err
	}
	return Decode(data, out)
}

// LoadMap 读取配置文件为嵌套 map
func LoadMap(filename string) (map[string]any, error) {
	d, err := decoder.ForFile(filename)
	if err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", filename)
	}
	data, err := d.Decode(buf)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse config file %s", filename)
	}
	return data, nil
}

// Decode 把 map（或结构体）转换为 out 指向的结构体
// 字段名取 cfg tag，先填充 def 默认值再用输入覆盖，最后按 validate tag 校验
// 输入中显式给出的零值（例如 false）不会被默认值覆盖
func Decode(input any, out any) error {
	if out == nil || reflect.ValueOf(out).Kind() != reflect.Ptr {
		return errors.New("output must be a non-nil pointer")
	}

	if err := SetDefaults(out); err != nil {
		return errors.WithMessage(err, "failed to set defaults")
	}

	if input != nil {
		d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "cfg",
			WeaklyTypedInput: true,
			Result:           out,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				defaultsHook(),
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		})
		if err != nil {
			return errors.Wrap(err, "failed to create decoder")
		}
		if err := d.Decode(input); err != nil {
			return errors.Wrap(err, "failed to decode options")
		}
	}

	if err := Validate(out); err != nil {
		return errors.WithMessage(err, "invalid options")
	}
	return nil
}

// defaultsHook 解码过程中新建的结构体（指针字段、map 元素）先填充默认值
func defaultsHook() mapstructure.DecodeHookFuncValue {
	return func(from reflect.Value, to reflect.Value) (any, error) {
		if to.Kind() == reflect.Struct && to.CanAddr() {
			if err := setDefaults(to); err != nil {
				return nil, err
			}
		}
		return from.Interface(), nil
	}
}
