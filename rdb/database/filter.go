package database

import (
	"sort"

	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
)

// filterRows 在内存中完成条件过滤、排序和分页，供没有查询语言的后端使用
// 未指定排序字段时按主键升序
func filterRows(model *rdb.TableModel, rows []rdb.Row, q query.Query, options *rdb.FindOptions) []rdb.Row {
	matched := make([]rdb.Row, 0, len(rows))
	for _, row := range rows {
		if q == nil || q.Match(row) {
			matched = append(matched, row)
		}
	}

	field, desc := model.PrimaryKey, false
	if options != nil && options.OrderBy != "" {
		field, desc = options.OrderBy, options.OrderDesc
	}
	sort.SliceStable(matched, func(i, j int) bool {
		c, ok := query.Compare(matched[i][field], matched[j][field])
		if !ok {
			// 与 SQL 一致，nil 升序时在前，降序时在后
			if desc {
				return matched[i][field] != nil && matched[j][field] == nil
			}
			return matched[i][field] == nil && matched[j][field] != nil
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	if options == nil {
		return matched
	}
	if options.Offset > 0 {
		if options.Offset >= len(matched) {
			return []rdb.Row{}
		}
		matched = matched[options.Offset:]
	}
	if options.Limit > 0 && options.Limit < len(matched) {
		matched = matched[:options.Limit]
	}
	return matched
}

// uniqueViolation 检查唯一索引冲突，返回冲突的列
func uniqueViolation(model *rdb.TableModel, rows []rdb.Row, candidate rdb.Row, self any) (string, any, bool) {
	for _, index := range model.Indexes {
		if !index.Unique {
			continue
		}
		for _, row := range rows {
			if self != nil && query.Equal(row[model.PrimaryKey], self) {
				continue
			}
			same := true
			for _, f := range index.Fields {
				if candidate[f] == nil || !query.Equal(row[f], candidate[f]) {
					same = false
					break
				}
			}
			if same {
				return index.Fields[0], candidate[index.Fields[0]], true
			}
		}
	}
	return "", nil, false
}

// mergeRow 用 update 中的列覆盖 row，主键列保持不变
func mergeRow(model *rdb.TableModel, row rdb.Row, update rdb.Row) rdb.Row {
	out := row.Clone()
	for k, v := range update {
		if k == model.PrimaryKey {
			continue
		}
		out[k] = v
	}
	return out
}

// withoutPrimary 去掉主键列
func withoutPrimary(model *rdb.TableModel, row rdb.Row) rdb.Row {
	out := make(rdb.Row, len(row))
	for k, v := range row {
		if k != model.PrimaryKey {
			out[k] = v
		}
	}
	return out
}

// withPrimary 复制 row 并写入主键
func withPrimary(model *rdb.TableModel, row rdb.Row, id any) rdb.Row {
	out := make(rdb.Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out[model.PrimaryKey] = id
	return out
}

// sortedColumns 按模型定义的顺序返回 row 中出现的列
func sortedColumns(model *rdb.TableModel, row rdb.Row) []string {
	columns := make([]string, 0, len(row))
	for _, name := range model.Columns() {
		if _, ok := row[name]; ok {
			columns = append(columns, name)
		}
	}
	return columns
}
