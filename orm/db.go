package orm

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hatlonely/multidb/alias"
	"github.com/hatlonely/multidb/cfg"
	"github.com/hatlonely/multidb/conn"
	"github.com/hatlonely/multidb/log"
	"github.com/hatlonely/multidb/rdb"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

type Option func(*DB)

func WithLogger(logger log.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

// WithStrict 开启后，来源别名与目标别名不同的保存按 ForceInsert 执行
func WithStrict(strict bool) Option {
	return func(db *DB) {
		db.strict.Store(strict)
	}
}

// WithResolver 使用已有的连接解析器，DB 的别名表随之取自解析器
func WithResolver(resolver *conn.Resolver) Option {
	return func(db *DB) {
		if resolver != nil {
			db.resolver = resolver
		}
	}
}

// WithoutMigrate 关闭自动建表
func WithoutMigrate() Option {
	return func(db *DB) {
		db.migrate = false
	}
}

type migrationKey struct {
	alias string
	table string
}

func (k migrationKey) String() string {
	return k.alias + "\x00" + k.table
}

// DB 多别名的持久化入口
//
// DB 本身不保存"当前别名"，每次调用的别名按以下顺序确定：
// 显式指定的别名、绑定管理器的别名、对象的来源别名（仅写入和删除）、default。
type DB struct {
	registry *alias.Registry
	resolver *conn.Resolver
	logger   log.Logger
	strict   atomic.Bool
	migrate  bool

	migrations singleflight.Group
	migrated   sync.Map
}

func New(registry *alias.Registry, opts ...Option) *DB {
	db := &DB{
		registry: registry,
		logger:   log.Default(),
		migrate:  true,
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.resolver == nil {
		db.resolver = conn.New(registry, conn.WithLogger(db.logger))
	}
	db.registry = db.resolver.Registry()
	db.logger = db.logger.WithGroup("orm")
	return db
}

func NewDBWithOptions(options *Options) (*DB, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}

	logger, err := log.NewLoggerWithOptions(options.Log)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create logger")
	}
	registry, err := alias.NewRegistry(options.Databases)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create alias registry")
	}

	resolverOpts := []conn.Option{conn.WithLogger(logger), conn.WithObserve(options.Observe)}
	if options.ConnectTimeout > 0 {
		resolverOpts = append(resolverOpts, conn.WithConnectTimeout(options.ConnectTimeout))
	}
	opts := []Option{
		WithLogger(logger),
		WithResolver(conn.New(registry, resolverOpts...)),
		WithStrict(options.Strict),
	}
	if options.DisableMigrate {
		opts = append(opts, WithoutMigrate())
	}
	return New(registry, opts...), nil
}

func (db *DB) Registry() *alias.Registry {
	return db.registry
}

func (db *DB) Resolver() *conn.Resolver {
	return db.resolver
}

func (db *DB) Strict() bool {
	return db.strict.Load()
}

// Reload 注册配置中新增的别名并更新 strict
// 已注册的别名不会被修改或删除，描述变化的别名返回 *alias.AliasExistsError
func (db *DB) Reload(options *Options) error {
	if options == nil {
		return errors.New("options cannot be nil")
	}

	names := make([]string, 0, len(options.Databases))
	for name := range options.Databases {
		names = append(names, name)
	}
	sort.Strings(names)

	var first error
	var rejected []string
	for _, name := range names {
		added := !db.registry.Has(name)
		if err := db.registry.Register(name, options.Databases[name]); err != nil {
			db.logger.Warn("alias not reloaded", "alias", name, "error", err)
			if first == nil {
				first = err
			}
			rejected = append(rejected, name)
			continue
		}
		if added {
			db.logger.Info("alias registered", "alias", name, "backend", options.Databases[name].Backend)
		}
	}
	db.strict.Store(options.Strict)

	if first != nil {
		return errors.WithMessagef(first, "aliases %v kept their registered descriptors", rejected)
	}
	return nil
}

// Watch 监听配置文件，文件变化时重新加载并调用 Reload
func (db *DB) Watch(filename string) (*cfg.Watcher, error) {
	return cfg.Watch(filename, func() {
		options, err := Load(filename)
		if err != nil {
			db.logger.Warn("failed to reload config", "file", filename, "error", err)
			return
		}
		if err := db.Reload(options); err != nil {
			db.logger.Warn("config reloaded with errors", "file", filename, "error", err)
		}
	})
}

// Close 关闭所有已建立的连接
func (db *DB) Close() error {
	return db.resolver.Close()
}

// conn 返回别名上的连接，开启自动建表时每个别名上的每张表只建一次
func (db *DB) conn(ctx context.Context, name string, model *rdb.TableModel) (rdb.Conn, error) {
	c, err := db.resolver.ConnectionFor(ctx, name)
	if err != nil {
		return nil, err
	}
	if !db.migrate {
		return c, nil
	}

	key := migrationKey{alias: name, table: model.Table}
	if _, ok := db.migrated.Load(key); ok {
		return c, nil
	}

	// 同一 (别名, 表) 只建一次，不同别名互不阻塞
	ch := db.migrations.DoChan(key.String(), func() (any, error) {
		if _, ok := db.migrated.Load(key); ok {
			return nil, nil
		}
		if err := c.Migrate(context.WithoutCancel(ctx), model); err != nil {
			return nil, err
		}
		db.migrated.Store(key, struct{}{})
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, errors.WithMessagef(res.Err, "failed to migrate table %s on alias %q", model.Table, name)
		}
	}
	return c, nil
}

// resolveAlias 取第一个非空的别名，都为空时使用 default
func resolveAlias(candidates ...string) string {
	for _, name := range candidates {
		if name != Unbound {
			return name
		}
	}
	return alias.DefaultAlias
}
