package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/hatlonely/multidb/uid"
	"github.com/pkg/errors"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

func init() {
	for _, d := range []*dialect{dialectSQLite3, dialectSQLite, dialectMySQL, dialectPostgres} {
		d := d
		Register(d.name, func(ctx context.Context, options map[string]any) (rdb.Conn, error) {
			opts, err := decodeOptions[SQLOptions](options)
			if err != nil {
				return nil, err
			}
			opts.Driver = d.name
			return NewSQLWithOptions(ctx, opts)
		})
	}
}

type SQLOptions struct {
	Driver          string        `cfg:"driver" def:"sqlite3" validate:"oneof=sqlite3 sqlite mysql postgres"`
	DSN             string        `cfg:"dsn"`
	Host            string        `cfg:"host" def:"localhost"`
	Port            int           `cfg:"port"`
	Database        string        `cfg:"database"`
	Username        string        `cfg:"username"`
	Password        string        `cfg:"password"`
	Charset         string        `cfg:"charset" def:"utf8mb4"`
	MaxOpenConns    int           `cfg:"maxOpenConns" def:"10"`
	MaxIdleConns    int           `cfg:"maxIdleConns" def:"5"`
	ConnMaxLifetime time.Duration `cfg:"connMaxLifetime" def:"1h"`

	Identity *uid.Options `cfg:"identity"`
}

// SQL database/sql 后端
type SQL struct {
	db       *sql.DB
	exec     sqlExecutor
	dialect  *dialect
	identity *uid.Identity
	inTx     bool
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewSQLWithOptions(ctx context.Context, options *SQLOptions) (*SQL, error) {
	var d *dialect
	switch options.Driver {
	case "sqlite3", "":
		d = dialectSQLite3
	case "sqlite":
		d = dialectSQLite
	case "mysql":
		d = dialectMySQL
	case "postgres":
		d = dialectPostgres
	default:
		return nil, errors.Errorf("unsupported driver: %s", options.Driver)
	}

	dsn, err := buildDSN(d, options)
	if err != nil {
		return nil, err
	}

	identity, err := uid.NewIdentityWithOptions(options.Identity)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sql.Open failed")
	}
	if d.sqliteFamily() && strings.Contains(dsn, ":memory:") {
		// 内存库每个连接各自独立，只能使用一个连接
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(options.MaxOpenConns)
		db.SetMaxIdleConns(options.MaxIdleConns)
	}
	db.SetConnMaxLifetime(options.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping failed")
	}

	return &SQL{
		db:       db,
		exec:     db,
		dialect:  d,
		identity: identity,
	}, nil
}

func buildDSN(d *dialect, options *SQLOptions) (string, error) {
	switch d {
	case dialectMySQL:
		var c *mysql.Config
		if options.DSN != "" {
			parsed, err := mysql.ParseDSN(options.DSN)
			if err != nil {
				return "", errors.Wrap(err, "invalid mysql dsn")
			}
			c = parsed
		} else {
			port := options.Port
			if port == 0 {
				port = 3306
			}
			c = mysql.NewConfig()
			c.User = options.Username
			c.Passwd = options.Password
			c.Net = "tcp"
			c.Addr = fmt.Sprintf("%s:%d", options.Host, port)
			c.DBName = options.Database
			c.Params = map[string]string{"charset": options.Charset}
		}
		c.ParseTime = true
		// UPDATE 返回匹配行数而不是实际修改的行数
		c.ClientFoundRows = true
		return c.FormatDSN(), nil
	case dialectPostgres:
		if options.DSN != "" {
			return options.DSN, nil
		}
		port := options.Port
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			options.Host, port, options.Username, options.Password, options.Database), nil
	default:
		if options.DSN != "" {
			return options.DSN, nil
		}
		if options.Database == "" {
			return "", errors.New("sqlite requires dsn or database")
		}
		return options.Database, nil
	}
}

func (s *SQL) Kind() string {
	return s.dialect.name
}

func (s *SQL) Migrate(ctx context.Context, model *rdb.TableModel) error {
	if _, err := s.exec.ExecContext(ctx, s.dialect.createTable(model)); err != nil {
		return errors.Wrapf(err, "failed to create table %s", model.Table)
	}
	for _, index := range model.Indexes {
		if _, err := s.exec.ExecContext(ctx, s.dialect.createIndex(model.Table, index)); err != nil && !isDuplicateIndex(err) {
			return errors.Wrapf(err, "failed to create index %s", index.Name)
		}
	}
	return nil
}

func (s *SQL) uniqueError(model *rdb.TableModel, row rdb.Row, err error) error {
	if !isUnique(err) {
		return err
	}
	return uniqueConstraint(model, row, err)
}

func (s *SQL) Insert(ctx context.Context, model *rdb.TableModel, row rdb.Row) (any, error) {
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return nil, err
	}

	pk := model.PrimaryKey
	_, explicit := encoded[pk]
	if !explicit && !model.AutoIncrement {
		encoded[pk] = s.identity.String()
		explicit = true
	}

	columns := sortedColumns(model, encoded)
	quoted := make([]string, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for _, c := range columns {
		quoted = append(quoted, s.dialect.ident(c))
		placeholders = append(placeholders, "?")
		args = append(args, encoded[c])
	}

	var sqlStr string
	if len(columns) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", s.dialect.ident(model.Table))
		if s.dialect == dialectMySQL {
			sqlStr = fmt.Sprintf("INSERT INTO %s () VALUES ()", s.dialect.ident(model.Table))
		}
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			s.dialect.ident(model.Table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	}

	if s.dialect == dialectPostgres {
		sqlStr += " RETURNING " + s.dialect.ident(pk)
		var id any
		if err := s.exec.QueryRowContext(ctx, s.dialect.rebind(sqlStr), args...).Scan(&id); err != nil {
			return nil, s.uniqueError(model, encoded, err)
		}
		if explicit && model.AutoIncrement {
			// 显式主键不会推进 BIGSERIAL 序列
			if err := s.syncSequence(ctx, model); err != nil {
				return nil, err
			}
		}
		return model.NormalizeID(id)
	}

	result, err := s.exec.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, s.uniqueError(model, encoded, err)
	}
	if explicit {
		return model.NormalizeID(encoded[pk])
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "LastInsertId failed")
	}
	return id, nil
}

func (s *SQL) syncSequence(ctx context.Context, model *rdb.TableModel) error {
	table, pk := s.dialect.ident(model.Table), s.dialect.ident(model.PrimaryKey)
	sqlStr := fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', '%s'), GREATEST((SELECT MAX(%s) FROM %s), 1))",
		strings.ReplaceAll(table, "'", "''"), model.PrimaryKey, pk, table)
	if _, err := s.exec.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "failed to sync sequence")
	}
	return nil
}

func (s *SQL) Update(ctx context.Context, model *rdb.TableModel, id any, row rdb.Row) (int64, error) {
	encoded, err := model.EncodeJSON(withoutPrimary(model, row))
	if err != nil {
		return 0, err
	}
	if len(encoded) == 0 {
		// 没有可更新的列时只检查记录是否存在
		return s.Count(ctx, model, query.Term(model.PrimaryKey, id))
	}

	columns := sortedColumns(model, encoded)
	sets := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+1)
	for _, c := range columns {
		sets = append(sets, s.dialect.ident(c)+" = ?")
		args = append(args, encoded[c])
	}
	args = append(args, id)

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		s.dialect.ident(model.Table), strings.Join(sets, ", "), s.dialect.ident(model.PrimaryKey))
	result, err := s.exec.ExecContext(ctx, s.dialect.rebind(sqlStr), args...)
	if err != nil {
		return 0, s.uniqueError(model, withPrimary(model, encoded, id), err)
	}
	return result.RowsAffected()
}

func (s *SQL) Delete(ctx context.Context, model *rdb.TableModel, id any) (int64, error) {
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.dialect.ident(model.Table), s.dialect.ident(model.PrimaryKey))
	result, err := s.exec.ExecContext(ctx, s.dialect.rebind(sqlStr), id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQL) Get(ctx context.Context, model *rdb.TableModel, id any) (rdb.Row, error) {
	rows, err := s.Find(ctx, model, query.Term(model.PrimaryKey, id), rdb.WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, rdb.ErrRowNotFound
	}
	return rows[0], nil
}

func (s *SQL) where(q query.Query) (string, []any, error) {
	if q == nil {
		return "", nil, nil
	}
	whereSQL, args, err := q.ToSQL()
	if err != nil {
		return "", nil, err
	}
	return " WHERE " + whereSQL, args, nil
}

func (s *SQL) Find(ctx context.Context, model *rdb.TableModel, q query.Query, opts ...rdb.FindOption) ([]rdb.Row, error) {
	options := rdb.NewFindOptions(opts...)

	whereSQL, args, err := s.where(q)
	if err != nil {
		return nil, err
	}

	columns := make([]string, 0, len(model.Fields))
	for _, c := range model.Columns() {
		columns = append(columns, s.dialect.ident(c))
	}

	order := model.PrimaryKey
	direction := "ASC"
	if options.OrderBy != "" {
		order = options.OrderBy
		if options.OrderDesc {
			direction = "DESC"
		}
	}
	sqlStr := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s %s%s",
		strings.Join(columns, ", "), s.dialect.ident(model.Table), whereSQL,
		s.dialect.ident(order), direction, s.dialect.limit(options))

	rows, err := s.exec.QueryContext(ctx, s.dialect.rebind(sqlStr), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rdb.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// scanRow 把当前行扫描为列名到值的 map
func scanRow(rows *sql.Rows) (rdb.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(rdb.Row, len(columns))
	for i, c := range columns {
		// 模型中没有二进制列，文本统一为 string
		if b, ok := values[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = values[i]
	}
	return row, nil
}

func (s *SQL) Count(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	whereSQL, args, err := s.where(q)
	if err != nil {
		return 0, err
	}
	sqlStr := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.dialect.ident(model.Table), whereSQL)
	var n int64
	if err := s.exec.QueryRowContext(ctx, s.dialect.rebind(sqlStr), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQL) DeleteWhere(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	whereSQL, args, err := s.where(q)
	if err != nil {
		return 0, err
	}
	sqlStr := fmt.Sprintf("DELETE FROM %s%s", s.dialect.ident(model.Table), whereSQL)
	result, err := s.exec.ExecContext(ctx, s.dialect.rebind(sqlStr), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQL) WithTx(ctx context.Context, fn func(ctx context.Context, tx rdb.Conn) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}

	child := &SQL{
		db:       s.db,
		exec:     tx,
		dialect:  s.dialect,
		identity: s.identity,
		inTx:     true,
	}
	if err := fn(ctx, child); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithMessagef(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

func (s *SQL) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}
