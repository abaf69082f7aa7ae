package orm

import (
	"context"
)

// Unbound 没有指定别名
const Unbound = ""

// Aliased 可以绑定别名的操作值，Using 返回副本
type Aliased[O any] interface {
	Using(alias string) O
}

// WithAlias 返回绑定到 alias 的 op 副本，op 本身不变
func WithAlias[O Aliased[O]](op O, alias string) O {
	return op.Using(alias)
}

// SaveOp 一次待执行的保存
type SaveOp[T any] struct {
	db          *DB
	obj         *T
	alias       string
	forceInsert bool
	forceUpdate bool
	fields      []string
}

func NewSaveOp[T any](db *DB, obj *T) SaveOp[T] {
	return SaveOp[T]{db: db, obj: obj}
}

func (op SaveOp[T]) Using(alias string) SaveOp[T] {
	op.alias = alias
	return op
}

func (op SaveOp[T]) ForceInsert() SaveOp[T] {
	op.forceInsert = true
	return op
}

func (op SaveOp[T]) ForceUpdate() SaveOp[T] {
	op.forceUpdate = true
	return op
}

func (op SaveOp[T]) Fields(names ...string) SaveOp[T] {
	op.fields = append([]string(nil), names...)
	return op
}

func (op SaveOp[T]) Alias() string {
	return op.alias
}

func (op SaveOp[T]) IsForceInsert() bool {
	return op.forceInsert
}

func (op SaveOp[T]) options() []WriteOption {
	opts := []WriteOption{Using(op.alias)}
	if op.forceInsert {
		opts = append(opts, ForceInsert())
	}
	if op.forceUpdate {
		opts = append(opts, ForceUpdate())
	}
	if len(op.fields) > 0 {
		opts = append(opts, Fields(op.fields...))
	}
	return opts
}

func (op SaveOp[T]) Exec(ctx context.Context) (SaveResult, error) {
	return op.db.Save(ctx, op.obj, op.options()...)
}

// DeleteOp 一次待执行的删除
type DeleteOp[T any] struct {
	db    *DB
	obj   *T
	alias string
}

func NewDeleteOp[T any](db *DB, obj *T) DeleteOp[T] {
	return DeleteOp[T]{db: db, obj: obj}
}

func (op DeleteOp[T]) Using(alias string) DeleteOp[T] {
	op.alias = alias
	return op
}

func (op DeleteOp[T]) Alias() string {
	return op.alias
}

func (op DeleteOp[T]) Exec(ctx context.Context) (int64, error) {
	return op.db.Delete(ctx, op.obj, Using(op.alias))
}
