package conn

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hatlonely/multidb/alias"
	"github.com/hatlonely/multidb/log"
	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/database"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Opener 按连接描述建立连接
type Opener func(ctx context.Context, d *alias.Descriptor) (rdb.Conn, error)

type Option func(*Resolver)

func WithLogger(logger log.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithOpener 替换建立连接的方式，默认为 database.Open
func WithOpener(open Opener) Option {
	return func(r *Resolver) {
		if open != nil {
			r.open = open
		}
	}
}

// WithObserve 为每个连接添加指标、日志和追踪
func WithObserve(options *database.ObservableOptions) Option {
	return func(r *Resolver) {
		r.observe = options
	}
}

// WithConnectTimeout 建立单个连接的最长时间
func WithConnectTimeout(timeout time.Duration) Option {
	return func(r *Resolver) {
		r.connectTimeout = timeout
	}
}

// Resolver 把别名解析为连接，每个别名只建立一个连接
//
// 连接在第一次使用时建立，同一别名的并发请求只会触发一次建立。
// 建立失败不缓存，也不会改用其他别名。
type Resolver struct {
	registry       *alias.Registry
	open           Opener
	logger         log.Logger
	observe        *database.ObservableOptions
	connectTimeout time.Duration

	group  singleflight.Group
	mu     sync.RWMutex
	conns  map[string]rdb.Conn
	closed bool
}

func New(registry *alias.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		registry:       registry,
		open:           database.Open,
		logger:         log.Default(),
		connectTimeout: 30 * time.Second,
		conns:          map[string]rdb.Conn{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithGroup("resolver")
	return r
}

// Registry 解析器使用的别名注册表
func (r *Resolver) Registry() *alias.Registry {
	return r.registry
}

func (r *Resolver) cached(name string) (rdb.Conn, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[name]
	return c, ok, r.closed
}

// ConnectionFor 返回别名对应的连接，未知别名返回 *alias.UnknownAliasError
func (r *Resolver) ConnectionFor(ctx context.Context, name string) (rdb.Conn, error) {
	d, err := r.registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	if c, ok, closed := r.cached(name); ok {
		return c, nil
	} else if closed {
		return nil, ErrClosed
	}

	// 建立连接不受单个调用方取消的影响，每个调用方只等待到自己的 ctx 结束
	ch := r.group.DoChan(name, func() (any, error) {
		return r.connect(context.WithoutCancel(ctx), name, d)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(rdb.Conn), nil
	}
}

func (r *Resolver) connect(ctx context.Context, name string, d *alias.Descriptor) (rdb.Conn, error) {
	if c, ok, closed := r.cached(name); ok {
		return c, nil
	} else if closed {
		return nil, ErrClosed
	}

	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}

	start := time.Now()
	c, err := r.open(ctx, d)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to connect database",
			"alias", name,
			"descriptor", d.Redacted(),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err.Error(),
		)
		return nil, &ConnectionError{Alias: name, Backend: d.Backend, Err: err}
	}

	if r.observe != nil {
		obs, err := database.NewObservableWithOptions(c, name, r.observe, r.logger)
		if err != nil {
			_ = c.Close()
			return nil, &ConnectionError{Alias: name, Backend: d.Backend, Err: err}
		}
		c = obs
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = c.Close()
		return nil, ErrClosed
	}
	r.conns[name] = c
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "database connected",
		"alias", name,
		"descriptor", d.Redacted(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return c, nil
}

// Connected 已建立连接的别名
func (r *Resolver) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 关闭所有连接，之后的 ConnectionFor 返回 ErrClosed
func (r *Resolver) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = map[string]rdb.Conn{}
	r.closed = true
	r.mu.Unlock()

	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)

	var first error
	var failed []string
	for _, name := range names {
		if err := conns[name].Close(); err != nil {
			if first == nil {
				first = err
			}
			failed = append(failed, name)
		}
	}
	if first != nil {
		return errors.WithMessagef(first, "failed to close connections [%s]", strings.Join(failed, ", "))
	}
	return nil
}
