package conn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed 解析器已关闭
var ErrClosed = errors.New("connection resolver is closed")

// ConnectionError 建立别名对应的连接失败
// 失败不会被缓存，下一次调用会重新尝试
type ConnectionError struct {
	Alias   string
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect database alias %q (%s): %v", e.Alias, e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError 判断错误链中是否有 ConnectionError
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}
