package orm

import (
	"context"

	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/pkg/errors"
)

// Query 一次待执行的查询，所有方法都返回新的值，原值不变
type Query[T any] struct {
	db      *DB
	alias   string
	filter  query.Query
	orderBy string
	desc    bool
	limit   int
	offset  int
}

// NewQuery 未绑定别名的查询，执行时使用 default
func NewQuery[T any](db *DB) Query[T] {
	return Query[T]{db: db}
}

// Using 绑定别名，Unbound 表示不绑定
func (q Query[T]) Using(alias string) Query[T] {
	q.alias = alias
	return q
}

// Alias 查询绑定的别名，未绑定时为 Unbound
func (q Query[T]) Alias() string {
	return q.alias
}

// Filter 追加条件，多个条件之间为 AND
func (q Query[T]) Filter(f query.Query) Query[T] {
	q.filter = query.And(q.filter, f)
	return q
}

func (q Query[T]) OrderBy(field string, desc bool) Query[T] {
	q.orderBy = field
	q.desc = desc
	return q
}

func (q Query[T]) Limit(limit int) Query[T] {
	q.limit = limit
	return q
}

func (q Query[T]) Offset(offset int) Query[T] {
	q.offset = offset
	return q
}

func (q Query[T]) target() string {
	return resolveAlias(q.alias)
}

func (q Query[T]) prepare(ctx context.Context) (*rdb.TableModel, rdb.Conn, string, error) {
	if q.db == nil {
		return nil, nil, "", errors.New("query is not attached to a DB")
	}
	model, err := rdb.ModelOf(new(T))
	if err != nil {
		return nil, nil, "", err
	}
	name := q.target()
	c, err := q.db.conn(ctx, name, model)
	if err != nil {
		return nil, nil, "", err
	}
	return model, c, name, nil
}

func (q Query[T]) findOptions() []rdb.FindOption {
	var opts []rdb.FindOption
	if q.orderBy != "" {
		opts = append(opts, rdb.WithOrderBy(q.orderBy, q.desc))
	}
	if q.limit > 0 {
		opts = append(opts, rdb.WithLimit(q.limit))
	}
	if q.offset > 0 {
		opts = append(opts, rdb.WithOffset(q.offset))
	}
	return opts
}

// load 把行转换为对象，对象的来源别名为查询使用的别名
func load[T any](model *rdb.TableModel, name string, row rdb.Row) (*T, error) {
	obj := new(T)
	if err := model.ScanRow(row, obj); err != nil {
		return nil, errors.WithMessagef(err, "failed to scan %s row", model.Table)
	}
	setOrigin(obj, name)
	return obj, nil
}

func (q Query[T]) All(ctx context.Context) ([]*T, error) {
	model, c, name, err := q.prepare(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := c.Find(ctx, model, q.filter, q.findOptions()...)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to query %s on alias %q", model.Table, name)
	}
	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		obj, err := load[T](model, name, row)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// First 返回第一个结果，没有结果时返回 rdb.ErrRowNotFound
func (q Query[T]) First(ctx context.Context) (*T, error) {
	objs, err := q.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, rdb.ErrRowNotFound
	}
	return objs[0], nil
}

// Get 按主键读取，有过滤条件时行还需满足条件
func (q Query[T]) Get(ctx context.Context, id any) (*T, error) {
	model, c, name, err := q.prepare(ctx)
	if err != nil {
		return nil, err
	}
	if q.filter != nil {
		return q.Filter(query.Term(model.PrimaryKey, id)).First(ctx)
	}
	row, err := c.Get(ctx, model, id)
	if err != nil {
		return nil, err
	}
	return load[T](model, name, row)
}

func (q Query[T]) Count(ctx context.Context) (int64, error) {
	model, c, name, err := q.prepare(ctx)
	if err != nil {
		return 0, err
	}
	n, err := c.Count(ctx, model, q.filter)
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to count %s on alias %q", model.Table, name)
	}
	return n, nil
}

// Delete 删除满足条件的所有行，返回删除行数；排序和分页不生效
func (q Query[T]) Delete(ctx context.Context) (int64, error) {
	model, c, name, err := q.prepare(ctx)
	if err != nil {
		return 0, err
	}
	n, err := c.DeleteWhere(ctx, model, q.filter)
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to delete from %s on alias %q", model.Table, name)
	}
	q.db.logger.DebugContext(ctx, "rows deleted", "alias", name, "table", model.Table, "rows", n)
	return n, nil
}
