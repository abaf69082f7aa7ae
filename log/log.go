package log

import (
	"sync/atomic"
)

var defaultLogger atomic.Value

func init() {
	// 默认输出到终端的 text 格式日志
	l, err := NewSLogWithOptions(&Options{
		Level:  "info",
		Format: "text",
	})
	if err != nil {
		panic("failed to initialize default logger: " + err.Error())
	}
	defaultLogger.Store(holder{l})
}

type holder struct {
	Logger
}

func Default() Logger {
	return defaultLogger.Load().(holder).Logger
}

// SetDefault 替换默认日志器，nil 被忽略
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger.Store(holder{l})
	}
}

// NewLoggerWithOptions 按配置创建日志器，options 为 nil 时返回默认日志器
func NewLoggerWithOptions(options *Options) (Logger, error) {
	if options == nil {
		return Default(), nil
	}
	return NewSLogWithOptions(options)
}
