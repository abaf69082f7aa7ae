package orm

import (
	"context"
	"reflect"

	"github.com/hatlonely/multidb/rdb"
	"github.com/pkg/errors"
)

// Plan 保存前根据主键和 ForceInsert 做出的初始决策
type Plan int

const (
	PlanInsert Plan = iota + 1
	PlanUpdate
)

func (p Plan) String() string {
	switch p {
	case PlanInsert:
		return "insert"
	case PlanUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Decide 强制插入或主键未设置时插入，否则先按主键更新
func Decide(identitySet, forceInsert bool) Plan {
	if forceInsert || !identitySet {
		return PlanInsert
	}
	return PlanUpdate
}

// Action 保存实际执行的写入
type Action string

const (
	ActionInserted Action = "inserted"
	ActionUpdated  Action = "updated"
)

// SaveResult 保存结果
type SaveResult struct {
	Identity any
	Alias    string
	Action   Action
}

type writeOptions struct {
	alias       string
	forceInsert bool
	forceUpdate bool
	fields      []string
}

type WriteOption func(*writeOptions)

// Using 指定写入的别名
func Using(alias string) WriteOption {
	return func(o *writeOptions) { o.alias = alias }
}

// ForceInsert 不论主键是否设置都执行插入，主键已存在时返回 *rdb.UniqueConstraintError
func ForceInsert() WriteOption {
	return func(o *writeOptions) { o.forceInsert = true }
}

// ForceUpdate 只执行更新，没有命中行时返回 ErrNoRowsUpdated
func ForceUpdate() WriteOption {
	return func(o *writeOptions) { o.forceUpdate = true }
}

// Fields 更新时只写这些列，插入时仍写入全部列
func Fields(names ...string) WriteOption {
	fields := append([]string(nil), names...)
	return func(o *writeOptions) { o.fields = fields }
}

func newWriteOptions(opts []WriteOption) *writeOptions {
	o := &writeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func modelOf(obj any) (*rdb.TableModel, error) {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("object must be a non-nil pointer to struct, got %T", obj)
	}
	return rdb.ModelOf(obj)
}

// Save 保存对象
//
// 目标别名依次取 Using、对象的来源别名、default。
// 主键未设置或 ForceInsert 时插入，存储分配的主键写回对象。
// 主键已设置时先按主键更新，目标库没有该主键时用原主键插入一份；
// 目标库中主键相同的另一行会被覆盖，需要避免时使用 ForceInsert 或 strict 模式。
// 更新和补插在目标连接的同一个本地事务中执行。成功后对象的来源别名变为目标别名。
func (db *DB) Save(ctx context.Context, obj any, opts ...WriteOption) (SaveResult, error) {
	o := newWriteOptions(opts)
	if o.forceInsert && o.forceUpdate {
		return SaveResult{}, ErrConflictingSaveFlags
	}

	model, err := modelOf(obj)
	if err != nil {
		return SaveResult{}, err
	}
	id, identitySet, err := model.Identity(obj)
	if err != nil {
		return SaveResult{}, err
	}
	if o.forceUpdate && !identitySet {
		return SaveResult{}, ErrIdentityUnset
	}

	origin := originOf(obj)
	target := resolveAlias(o.alias, origin)
	crossAlias := identitySet && origin != "" && origin != target

	forceInsert := o.forceInsert
	if crossAlias && db.strict.Load() && !forceInsert && !o.forceUpdate {
		forceInsert = true
	}
	plan := Decide(identitySet, forceInsert)

	db.logger.DebugContext(ctx, "save decision",
		"alias", target, "table", model.Table, "origin", origin,
		"identity", id, "plan", plan.String(), "forceInsert", forceInsert, "forceUpdate", o.forceUpdate)

	c, err := db.conn(ctx, target, model)
	if err != nil {
		return SaveResult{}, err
	}
	row, err := model.ToRow(obj)
	if err != nil {
		return SaveResult{}, errors.WithMessagef(err, "failed to convert %T to row", obj)
	}

	result := SaveResult{Alias: target}
	switch {
	case plan == PlanInsert:
		newID, err := c.Insert(ctx, model, row)
		if err != nil {
			return SaveResult{}, errors.WithMessagef(err, "failed to insert into %s on alias %q", model.Table, target)
		}
		if err := model.SetIdentity(obj, newID); err != nil {
			return SaveResult{}, errors.WithMessage(err, "failed to write back identity")
		}
		result.Identity = newID
		result.Action = ActionInserted

	case o.forceUpdate:
		columns, err := updateColumns(model, row, o.fields)
		if err != nil {
			return SaveResult{}, err
		}
		n, err := c.Update(ctx, model, id, columns)
		if err != nil {
			return SaveResult{}, errors.WithMessagef(err, "failed to update %s on alias %q", model.Table, target)
		}
		if n == 0 {
			return SaveResult{}, errors.WithMessagef(ErrNoRowsUpdated, "%s identity %v on alias %q", model.Table, id, target)
		}
		result.Identity = id
		result.Action = ActionUpdated

	default:
		columns, err := updateColumns(model, row, o.fields)
		if err != nil {
			return SaveResult{}, err
		}
		if crossAlias {
			db.logger.WarnContext(ctx, "saving object by identity on a different alias, an existing row with the same identity will be overwritten",
				"alias", target, "origin", origin, "table", model.Table, "identity", id)
		}
		result.Identity = id
		err = c.WithTx(ctx, func(ctx context.Context, tx rdb.Conn) error {
			n, err := tx.Update(ctx, model, id, columns)
			if err != nil {
				return err
			}
			if n > 0 {
				result.Action = ActionUpdated
				return nil
			}
			if _, err := tx.Insert(ctx, model, row); err != nil {
				return err
			}
			result.Action = ActionInserted
			return nil
		})
		if err != nil {
			return SaveResult{}, errors.WithMessagef(err, "failed to save %s on alias %q", model.Table, target)
		}
		if crossAlias && result.Action == ActionUpdated {
			db.logger.WarnContext(ctx, "row overwritten by object from another alias",
				"alias", target, "origin", origin, "table", model.Table, "identity", id)
		}
	}

	if normalized, err := model.NormalizeID(result.Identity); err == nil {
		result.Identity = normalized
	}
	setOrigin(obj, target)
	db.logger.DebugContext(ctx, "object saved", "alias", target, "table", model.Table, "identity", result.Identity, "action", string(result.Action))
	return result, nil
}

// updateColumns 更新时写入的列，不含主键
func updateColumns(model *rdb.TableModel, row rdb.Row, fields []string) (rdb.Row, error) {
	columns := rdb.Row{}
	if len(fields) == 0 {
		for name, value := range row {
			if name != model.PrimaryKey {
				columns[name] = value
			}
		}
		return columns, nil
	}
	for _, name := range fields {
		f, ok := model.Field(name)
		if !ok {
			return nil, errors.Errorf("unknown field %q on table %s", name, model.Table)
		}
		if f.Primary {
			return nil, errors.Errorf("primary key %q cannot be updated", name)
		}
		columns[name] = row[name]
	}
	return columns, nil
}

// Delete 按主键删除对象对应的行
// 别名依次取 Using、对象的来源别名、default；行不存在时返回 0。删除后对象的主键保持不变。
func (db *DB) Delete(ctx context.Context, obj any, opts ...WriteOption) (int64, error) {
	o := newWriteOptions(opts)
	model, err := modelOf(obj)
	if err != nil {
		return 0, err
	}
	id, identitySet, err := model.Identity(obj)
	if err != nil {
		return 0, err
	}
	if !identitySet {
		return 0, ErrIdentityUnset
	}

	target := resolveAlias(o.alias, originOf(obj))
	c, err := db.conn(ctx, target, model)
	if err != nil {
		return 0, err
	}
	n, err := c.Delete(ctx, model, id)
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to delete from %s on alias %q", model.Table, target)
	}
	db.logger.DebugContext(ctx, "object deleted", "alias", target, "table", model.Table, "identity", id, "rows", n)
	return n, nil
}

// Refresh 按主键重新读取对象，别名的确定方式与 Delete 相同
// 行不存在时返回 rdb.ErrRowNotFound
func (db *DB) Refresh(ctx context.Context, obj any, opts ...WriteOption) error {
	o := newWriteOptions(opts)
	model, err := modelOf(obj)
	if err != nil {
		return err
	}
	id, identitySet, err := model.Identity(obj)
	if err != nil {
		return err
	}
	if !identitySet {
		return ErrIdentityUnset
	}

	target := resolveAlias(o.alias, originOf(obj))
	c, err := db.conn(ctx, target, model)
	if err != nil {
		return err
	}
	row, err := c.Get(ctx, model, id)
	if err != nil {
		return errors.WithMessagef(err, "failed to load %s identity %v on alias %q", model.Table, id, target)
	}
	if err := model.ScanRow(row, obj); err != nil {
		return err
	}
	setOrigin(obj, target)
	return nil
}
