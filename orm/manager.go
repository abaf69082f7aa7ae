package orm

import (
	"context"

	"github.com/hatlonely/multidb/rdb/query"
)

// QuerySource 自定义管理器构造查询的方式
//
// base 已经绑定了管理器的别名；alias 为管理器绑定的别名，未绑定时为 Unbound。
// 从头构造查询的实现需要把 alias 传给 Query.Using，Unbound 时查询保持未绑定并使用 default。
type QuerySource[T any] interface {
	Query(base Query[T], alias string) Query[T]
}

type QuerySourceFunc[T any] func(base Query[T], alias string) Query[T]

func (f QuerySourceFunc[T]) Query(base Query[T], alias string) Query[T] {
	return f(base, alias)
}

type ManagerOption[T any] func(*Manager[T])

func WithQuerySource[T any](source QuerySource[T]) ManagerOption[T] {
	return func(m *Manager[T]) {
		m.source = source
	}
}

// Manager 某个类型的数据访问入口，可以绑定一个别名
// Manager 是值类型，Using 返回绑定了别名的副本，原管理器不受影响
type Manager[T any] struct {
	db     *DB
	alias  string
	source QuerySource[T]
}

// NewManager 未绑定别名的管理器
func NewManager[T any](db *DB, opts ...ManagerOption[T]) Manager[T] {
	m := Manager[T]{db: db}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Bind 绑定到 alias 的管理器
func Bind[T any](db *DB, alias string, opts ...ManagerOption[T]) Manager[T] {
	return NewManager[T](db, opts...).Using(alias)
}

func (m Manager[T]) Using(alias string) Manager[T] {
	m.alias = alias
	return m
}

// Alias 绑定的别名，第二个返回值为 false 表示未绑定
func (m Manager[T]) Alias() (string, bool) {
	return m.alias, m.alias != Unbound
}

func (m Manager[T]) DB() *DB {
	return m.db
}

// Query 管理器的基础查询，绑定了别名时查询使用该别名
func (m Manager[T]) Query() Query[T] {
	base := NewQuery[T](m.db).Using(m.alias)
	if m.source == nil {
		return base
	}
	q := m.source.Query(base, m.alias)
	if q.Alias() == Unbound && m.alias != Unbound {
		q = q.Using(m.alias)
	}
	return q
}

func (m Manager[T]) Filter(f query.Query) Query[T] {
	return m.Query().Filter(f)
}

func (m Manager[T]) All(ctx context.Context) ([]*T, error) {
	return m.Query().All(ctx)
}

func (m Manager[T]) Get(ctx context.Context, id any) (*T, error) {
	return m.Query().Get(ctx, id)
}

func (m Manager[T]) Count(ctx context.Context) (int64, error) {
	return m.Query().Count(ctx)
}

// writeOptions 绑定的别名排在调用方的选项之前，调用方的 Using 优先
func (m Manager[T]) writeOptions(opts []WriteOption) []WriteOption {
	if m.alias == Unbound {
		return opts
	}
	return append([]WriteOption{Using(m.alias)}, opts...)
}

// Create 强制插入
func (m Manager[T]) Create(ctx context.Context, obj *T) (SaveResult, error) {
	return m.db.Save(ctx, obj, m.writeOptions([]WriteOption{ForceInsert()})...)
}

func (m Manager[T]) Save(ctx context.Context, obj *T, opts ...WriteOption) (SaveResult, error) {
	return m.db.Save(ctx, obj, m.writeOptions(opts)...)
}

func (m Manager[T]) Delete(ctx context.Context, obj *T) (int64, error) {
	return m.db.Delete(ctx, obj, m.writeOptions(nil)...)
}
