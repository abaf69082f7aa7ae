package database

import (
	"context"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/hatlonely/multidb/uid"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func init() {
	Register("gorm", func(ctx context.Context, options map[string]any) (rdb.Conn, error) {
		opts, err := decodeOptions[GormOptions](options)
		if err != nil {
			return nil, err
		}
		return NewGormWithOptions(ctx, opts)
	})
}

// GormOptions gorm 后端配置
type GormOptions struct {
	Driver   string       `cfg:"driver" def:"sqlite" validate:"oneof=sqlite mysql"`
	DSN      string       `cfg:"dsn" validate:"required"`
	Debug    bool         `cfg:"debug"`
	Identity *uid.Options `cfg:"identity"`
}

// Gorm 基于 gorm 的后端，表结构由模型定义，行以 map 读写
// 主键统一由 uid 生成，不依赖数据库自增
type Gorm struct {
	db       *gorm.DB
	dialect  *dialect
	identity *uid.Identity
	inTx     bool
}

func NewGormWithOptions(ctx context.Context, options *GormOptions) (*Gorm, error) {
	if options == nil {
		return nil, errors.New("gorm options is required")
	}

	var dialector gorm.Dialector
	var d *dialect
	switch options.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(options.DSN)
		d = dialectSQLite3
	case "mysql":
		c, err := gomysql.ParseDSN(options.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "invalid mysql dsn")
		}
		c.ParseTime = true
		c.ClientFoundRows = true
		dialector = mysql.Open(c.FormatDSN())
		d = dialectMySQL
	default:
		return nil, errors.Errorf("unsupported gorm driver: %s", options.Driver)
	}

	identity, err := uid.NewIdentityWithOptions(options.Identity)
	if err != nil {
		return nil, err
	}

	level := logger.Silent
	if options.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, errors.Wrap(err, "gorm.Open failed")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql.DB")
	}
	if d.sqliteFamily() {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping failed")
	}

	return &Gorm{db: db, dialect: d, identity: identity}, nil
}

func (g *Gorm) Kind() string {
	return "gorm"
}

func (g *Gorm) Migrate(ctx context.Context, model *rdb.TableModel) error {
	db := g.db.WithContext(ctx)
	if err := db.Exec(g.dialect.createTable(model)).Error; err != nil {
		return errors.Wrapf(err, "failed to create table %s", model.Table)
	}
	for _, index := range model.Indexes {
		if err := db.Exec(g.dialect.createIndex(model.Table, index)).Error; err != nil && !isDuplicateIndex(err) {
			return errors.Wrapf(err, "failed to create index %s", index.Name)
		}
	}
	return nil
}

func (g *Gorm) translate(model *rdb.TableModel, row rdb.Row, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUnique(err) {
		return uniqueConstraint(model, row, err)
	}
	return err
}

func (g *Gorm) Insert(ctx context.Context, model *rdb.TableModel, row rdb.Row) (any, error) {
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return nil, err
	}
	if v, ok := encoded[model.PrimaryKey]; !ok || v == nil {
		encoded[model.PrimaryKey] = g.identity.Next(model.PrimaryField().Type == rdb.FieldTypeInt)
	}

	values := map[string]any(encoded)
	if err := g.db.WithContext(ctx).Table(model.Table).Create(values).Error; err != nil {
		return nil, g.translate(model, encoded, err)
	}
	return model.NormalizeID(encoded[model.PrimaryKey])
}

func (g *Gorm) byID(ctx context.Context, model *rdb.TableModel, id any) *gorm.DB {
	return g.db.WithContext(ctx).Table(model.Table).Where(fmt.Sprintf("%s = ?", g.dialect.ident(model.PrimaryKey)), id)
}

func (g *Gorm) Update(ctx context.Context, model *rdb.TableModel, id any, row rdb.Row) (int64, error) {
	encoded, err := model.EncodeJSON(withoutPrimary(model, row))
	if err != nil {
		return 0, err
	}
	if len(encoded) == 0 {
		return g.Count(ctx, model, query.Term(model.PrimaryKey, id))
	}
	result := g.byID(ctx, model, id).Updates(map[string]any(encoded))
	if result.Error != nil {
		return 0, g.translate(model, withPrimary(model, encoded, id), result.Error)
	}
	return result.RowsAffected, nil
}

func (g *Gorm) Delete(ctx context.Context, model *rdb.TableModel, id any) (int64, error) {
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", g.dialect.ident(model.Table), g.dialect.ident(model.PrimaryKey))
	result := g.db.WithContext(ctx).Exec(sqlStr, id)
	return result.RowsAffected, result.Error
}

func (g *Gorm) Get(ctx context.Context, model *rdb.TableModel, id any) (rdb.Row, error) {
	rows, err := g.Find(ctx, model, query.Term(model.PrimaryKey, id), rdb.WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, rdb.ErrRowNotFound
	}
	return rows[0], nil
}

func (g *Gorm) scope(ctx context.Context, model *rdb.TableModel, q query.Query) (*gorm.DB, error) {
	db := g.db.WithContext(ctx).Table(model.Table)
	if q == nil {
		return db, nil
	}
	whereSQL, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	return db.Where(whereSQL, args...), nil
}

func (g *Gorm) Find(ctx context.Context, model *rdb.TableModel, q query.Query, opts ...rdb.FindOption) ([]rdb.Row, error) {
	options := rdb.NewFindOptions(opts...)
	db, err := g.scope(ctx, model, q)
	if err != nil {
		return nil, err
	}

	order := clause.OrderByColumn{Column: clause.Column{Name: model.PrimaryKey}}
	if options.OrderBy != "" {
		order = clause.OrderByColumn{Column: clause.Column{Name: options.OrderBy}, Desc: options.OrderDesc}
	}
	db = db.Select(model.Columns()).Order(order)
	if options.Limit > 0 {
		db = db.Limit(options.Limit)
	}
	if options.Offset > 0 {
		db = db.Offset(options.Offset)
	}

	var values []map[string]any
	if err := db.Find(&values).Error; err != nil {
		return nil, err
	}
	rows := make([]rdb.Row, 0, len(values))
	for _, v := range values {
		for k, val := range v {
			if b, ok := val.([]byte); ok {
				v[k] = string(b)
			}
		}
		rows = append(rows, rdb.Row(v))
	}
	return rows, nil
}

func (g *Gorm) Count(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	db, err := g.scope(ctx, model, q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (g *Gorm) DeleteWhere(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	sqlStr := fmt.Sprintf("DELETE FROM %s", g.dialect.ident(model.Table))
	var args []any
	if q != nil {
		whereSQL, whereArgs, err := q.ToSQL()
		if err != nil {
			return 0, err
		}
		sqlStr += " WHERE " + whereSQL
		args = whereArgs
	}
	result := g.db.WithContext(ctx).Exec(sqlStr, args...)
	return result.RowsAffected, result.Error
}

func (g *Gorm) WithTx(ctx context.Context, fn func(ctx context.Context, tx rdb.Conn) error) error {
	if g.inTx {
		return fn(ctx, g)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Gorm{db: tx, dialect: g.dialect, identity: g.identity, inTx: true})
	})
}

func (g *Gorm) Close() error {
	if g.inTx {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
