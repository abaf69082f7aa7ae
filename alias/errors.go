package alias

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrMissingDefault 配置中没有 default 别名
var ErrMissingDefault = errors.Errorf("alias registry requires a %q alias", DefaultAlias)

// UnknownAliasError 别名未注册
type UnknownAliasError struct {
	Alias string
}

func (e *UnknownAliasError) Error() string {
	return fmt.Sprintf("unknown database alias %q", e.Alias)
}

// AliasExistsError 别名已注册且描述不同，别名注册后不可修改
type AliasExistsError struct {
	Alias string
}

func (e *AliasExistsError) Error() string {
	return fmt.Sprintf("database alias %q is already registered with a different descriptor", e.Alias)
}

// IsUnknownAlias 判断错误链中是否有 UnknownAliasError
func IsUnknownAlias(err error) bool {
	var target *UnknownAliasError
	return errors.As(err, &target)
}
