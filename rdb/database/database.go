package database

import (
	"context"
	"sort"
	"sync"

	"github.com/hatlonely/multidb/alias"
	"github.com/hatlonely/multidb/cfg"
	"github.com/hatlonely/multidb/rdb"
	"github.com/pkg/errors"
)

// OpenFunc 按后端参数建立连接
type OpenFunc func(ctx context.Context, options map[string]any) (rdb.Conn, error)

var (
	kindsMu sync.RWMutex
	kinds   = map[string]OpenFunc{}
)

// Register 注册后端类型，重复注册会覆盖
func Register(kind string, open OpenFunc) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = open
}

// Kinds 已注册的后端类型
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Open 按连接描述建立连接
func Open(ctx context.Context, d *alias.Descriptor) (rdb.Conn, error) {
	if d == nil {
		return nil, errors.New("descriptor is nil")
	}
	kindsMu.RLock()
	open, ok := kinds[d.Backend]
	kindsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unsupported backend %q", d.Backend)
	}
	conn, err := open(ctx, d.Options)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open %s", d.Backend)
	}
	return conn, nil
}

// decodeOptions 把描述中的参数解码为后端的配置结构体
func decodeOptions[T any](options map[string]any) (*T, error) {
	out := new(T)
	if err := cfg.Decode(options, out); err != nil {
		return nil, err
	}
	return out, nil
}
