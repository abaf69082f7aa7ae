package cfg

import (
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// ApplyEnv 用环境变量覆盖 out 中带 env tag 的字段，变量名为 prefix + tag
// 未设置的变量不改变原有值
func ApplyEnv(out any, prefix string) error {
	if err := env.ParseWithOptions(out, env.Options{Prefix: prefix}); err != nil {
		return errors.Wrap(err, "failed to parse environment")
	}
	return nil
}
