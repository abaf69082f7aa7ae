package database

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/hatlonely/multidb/rdb"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	moderncsqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// dialect 不同数据库在 DDL、占位符和错误码上的差异
type dialect struct {
	name   string // database/sql 驱动名
	quote  byte
	dollar bool // 占位符为 $1 $2
}

var (
	dialectSQLite3  = &dialect{name: "sqlite3", quote: '"'}
	dialectSQLite   = &dialect{name: "sqlite", quote: '"'}
	dialectMySQL    = &dialect{name: "mysql", quote: '`'}
	dialectPostgres = &dialect{name: "postgres", quote: '"', dollar: true}
)

func (d *dialect) sqliteFamily() bool {
	return d == dialectSQLite3 || d == dialectSQLite
}

func (d *dialect) ident(name string) string {
	q := string(d.quote)
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// rebind 把 ? 占位符转换为驱动需要的格式
func (d *dialect) rebind(sqlStr string) string {
	if !d.dollar {
		return sqlStr
	}
	var b strings.Builder
	n := 0
	inString := false
	for i := 0; i < len(sqlStr); i++ {
		c := sqlStr[i]
		if c == '\'' {
			inString = !inString
		}
		if c == '?' && !inString {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (d *dialect) columnType(field rdb.FieldDefinition, autoIncrement bool) string {
	if autoIncrement {
		switch {
		case d.sqliteFamily():
			return "INTEGER"
		case d == dialectPostgres:
			return "BIGSERIAL"
		default:
			return "BIGINT AUTO_INCREMENT"
		}
	}

	switch field.Type {
	case rdb.FieldTypeString:
		if d.sqliteFamily() {
			return "TEXT"
		}
		size := field.Size
		if size <= 0 {
			size = 255
		}
		if d == dialectMySQL {
			// 字符串比较区分大小写，与其他后端一致
			return fmt.Sprintf("VARCHAR(%d) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin", size)
		}
		return fmt.Sprintf("VARCHAR(%d)", size)
	case rdb.FieldTypeInt:
		return "BIGINT"
	case rdb.FieldTypeFloat:
		if d == dialectPostgres {
			return "DOUBLE PRECISION"
		}
		if d.sqliteFamily() {
			return "REAL"
		}
		return "DOUBLE"
	case rdb.FieldTypeBool:
		if d.sqliteFamily() {
			return "INTEGER"
		}
		return "BOOLEAN"
	case rdb.FieldTypeDate:
		switch {
		case d == dialectPostgres:
			return "TIMESTAMPTZ"
		case d == dialectMySQL:
			return "DATETIME(6)"
		default:
			return "DATETIME"
		}
	case rdb.FieldTypeJSON:
		switch d {
		case dialectMySQL:
			return "JSON"
		case dialectPostgres:
			return "JSONB"
		default:
			return "TEXT"
		}
	default:
		return "TEXT"
	}
}

func (d *dialect) formatDefault(value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("'%s'", strings.ReplaceAll(v, "'", "''"))
	case bool:
		if d == dialectPostgres {
			return fmt.Sprintf("%t", v)
		}
		if v {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// createTable 构建 CREATE TABLE IF NOT EXISTS 语句
func (d *dialect) createTable(model *rdb.TableModel) string {
	var columns []string
	for _, field := range model.Fields {
		auto := field.Primary && model.AutoIncrement
		parts := []string{d.ident(field.Name), d.columnType(field, auto)}
		if field.Primary {
			parts = append(parts, "PRIMARY KEY")
			if auto && d.sqliteFamily() {
				parts = append(parts, "AUTOINCREMENT")
			}
		} else {
			if field.Required {
				parts = append(parts, "NOT NULL")
			}
			if field.Default != nil {
				parts = append(parts, "DEFAULT "+d.formatDefault(field.Default))
			}
		}
		columns = append(columns, strings.Join(parts, " "))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", d.ident(model.Table), strings.Join(columns, ",\n  "))
}

// createIndex MySQL 不支持 CREATE INDEX IF NOT EXISTS
func (d *dialect) createIndex(table string, index rdb.IndexDefinition) string {
	kind := "INDEX"
	if index.Unique {
		kind = "UNIQUE INDEX"
	}
	fields := make([]string, 0, len(index.Fields))
	for _, f := range index.Fields {
		fields = append(fields, d.ident(f))
	}
	name := d.ident(table + "_" + index.Name)
	if d == dialectMySQL {
		return fmt.Sprintf("CREATE %s %s ON %s (%s)", kind, name, d.ident(table), strings.Join(fields, ", "))
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)", kind, name, d.ident(table), strings.Join(fields, ", "))
}

// limit 构建分页子句，SQLite 和 MySQL 的 OFFSET 必须跟在 LIMIT 之后
func (d *dialect) limit(options *rdb.FindOptions) string {
	if options.Limit <= 0 && options.Offset <= 0 {
		return ""
	}
	var b strings.Builder
	switch {
	case options.Limit > 0:
		fmt.Fprintf(&b, " LIMIT %d", options.Limit)
	case d.sqliteFamily():
		b.WriteString(" LIMIT -1")
	case d == dialectMySQL:
		b.WriteString(" LIMIT 18446744073709551615")
	}
	if options.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", options.Offset)
	}
	return b.String()
}

// isUnique 判断驱动错误是否为主键或唯一键冲突
func isUnique(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var moderncErr *moderncsqlite.Error
	if errors.As(err, &moderncErr) {
		code := moderncErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	sqliteUniqueRegexp = regexp.MustCompile(`UNIQUE constraint failed: ([^\s,]+)`)
	mysqlKeyRegexp     = regexp.MustCompile(`for key '([^']+)'`)
	pqDetailRegexp     = regexp.MustCompile(`Key \(([^),]+)[^)]*\)=`)
	mongoIndexRegexp   = regexp.MustCompile(`index: (\S+)`)
)

// uniqueConstraint 把驱动返回的唯一约束错误转换为 UniqueConstraintError，Column 为实际冲突的列
func uniqueConstraint(model *rdb.TableModel, row rdb.Row, err error) *rdb.UniqueConstraintError {
	column := uniqueColumn(model, err)
	return &rdb.UniqueConstraintError{Table: model.Table, Column: column, Value: row[column], Err: err}
}

// uniqueColumn 从错误中取出冲突列，无法识别时返回主键
func uniqueColumn(model *rdb.TableModel, err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if m := pqDetailRegexp.FindStringSubmatch(pqErr.Detail); m != nil {
			return strings.Trim(m[1], `"`)
		}
		return indexColumn(model, pqErr.Constraint)
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if m := mysqlKeyRegexp.FindStringSubmatch(mysqlErr.Message); m != nil {
			// MySQL 8 的 key 带表名前缀
			return indexColumn(model, strings.TrimPrefix(m[1], model.Table+"."))
		}
		return model.PrimaryKey
	}
	if err == nil {
		return model.PrimaryKey
	}
	if m := sqliteUniqueRegexp.FindStringSubmatch(err.Error()); m != nil {
		column := m[1]
		if i := strings.LastIndex(column, "."); i >= 0 {
			column = column[i+1:]
		}
		return column
	}
	if m := mongoIndexRegexp.FindStringSubmatch(err.Error()); m != nil {
		return indexColumn(model, m[1])
	}
	return model.PrimaryKey
}

// indexColumn 按索引名找到索引的首列，主键索引和未知索引返回主键
func indexColumn(model *rdb.TableModel, name string) string {
	for _, index := range model.Indexes {
		if len(index.Fields) > 0 && (name == index.Name || name == model.Table+"_"+index.Name) {
			return index.Fields[0]
		}
	}
	return model.PrimaryKey
}

// isDuplicateIndex 索引已存在，MySQL 返回 1061
func isDuplicateIndex(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1061
	}
	return strings.Contains(err.Error(), "already exists")
}
