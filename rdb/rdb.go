package rdb

import (
	"context"
	"fmt"

	"github.com/hatlonely/multidb/rdb/query"
	"github.com/pkg/errors"
)

var (
	// ErrRowNotFound 按主键读取时记录不存在
	ErrRowNotFound = errors.New("row not found")
	// ErrUnsupported 后端不支持该操作
	ErrUnsupported = errors.New("operation not supported by backend")
)

// UniqueConstraintError 写入的主键或唯一键已存在
type UniqueConstraintError struct {
	Table  string
	Column string
	Value  any
	Err    error
}

func (e *UniqueConstraintError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("unique constraint violated on table %s", e.Table)
	}
	return fmt.Sprintf("unique constraint violated on %s.%s = %v", e.Table, e.Column, e.Value)
}

func (e *UniqueConstraintError) Unwrap() error {
	return e.Err
}

// IsUniqueConstraint 判断错误链中是否有 UniqueConstraintError
func IsUniqueConstraint(err error) bool {
	var target *UniqueConstraintError
	return errors.As(err, &target)
}

// Row 一行数据，列名到值
type Row map[string]any

// Clone 浅拷贝一行数据
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FindOptions 查询选项
type FindOptions struct {
	Limit     int
	Offset    int
	OrderBy   string
	OrderDesc bool
}

type FindOption func(*FindOptions)

func WithLimit(limit int) FindOption {
	return func(o *FindOptions) { o.Limit = limit }
}

func WithOffset(offset int) FindOption {
	return func(o *FindOptions) { o.Offset = offset }
}

func WithOrderBy(field string, desc bool) FindOption {
	return func(o *FindOptions) {
		o.OrderBy = field
		o.OrderDesc = desc
	}
}

// NewFindOptions 合并查询选项
func NewFindOptions(opts ...FindOption) *FindOptions {
	options := &FindOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Conn 单个别名对应的数据库连接句柄
//
// 所有写操作按主键进行，主键列由 TableModel.PrimaryKey 指定。
// Update 和 Delete 返回受影响的行数，记录不存在时返回 0 而不是错误。
type Conn interface {
	// Kind 后端类型，如 sqlite3、mysql、mongo
	Kind() string

	// Migrate 表不存在时创建
	Migrate(ctx context.Context, model *TableModel) error

	// Insert 插入一行，row 中没有主键时由存储分配并返回
	// 主键已存在时返回 *UniqueConstraintError
	Insert(ctx context.Context, model *TableModel, row Row) (id any, err error)

	// Update 按主键更新 row 中的列，返回命中行数
	Update(ctx context.Context, model *TableModel, id any, row Row) (int64, error)

	// Delete 按主键删除，返回删除行数
	Delete(ctx context.Context, model *TableModel, id any) (int64, error)

	// Get 按主键读取，不存在时返回 ErrRowNotFound
	Get(ctx context.Context, model *TableModel, id any) (Row, error)

	// Find 按条件查询，q 为 nil 时返回全部
	Find(ctx context.Context, model *TableModel, q query.Query, opts ...FindOption) ([]Row, error)

	// Count 按条件计数
	Count(ctx context.Context, model *TableModel, q query.Query) (int64, error)

	// DeleteWhere 按条件批量删除
	DeleteWhere(ctx context.Context, model *TableModel, q query.Query) (int64, error)

	// WithTx 在该连接的本地事务中执行 fn，fn 返回错误时回滚
	// 在事务连接上再次调用 WithTx 直接在当前事务中执行
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Conn) error) error

	// Close 关闭连接
	Close() error
}
