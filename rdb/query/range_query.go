package query

import (
	"fmt"
	"strings"
)

// RangeQuery 范围查询
type RangeQuery struct {
	Field string      `json:"field"`
	Gt    interface{} `json:"gt,omitempty"`
	Gte   interface{} `json:"gte,omitempty"`
	Lt    interface{} `json:"lt,omitempty"`
	Lte   interface{} `json:"lte,omitempty"`
}

// Range 范围查询，边界通过 Gt/Gte/Lt/Lte 字段设置
func Range(field string) *RangeQuery {
	return &RangeQuery{Field: field}
}

func (q *RangeQuery) Type() QueryType {
	return QueryTypeRange
}

func (q *RangeQuery) ToSQL() (string, []interface{}, error) {
	if err := checkField(q.Field); err != nil {
		return "", nil, err
	}

	var conditions []string
	var args []interface{}

	if q.Gt != nil {
		conditions = append(conditions, fmt.Sprintf("%s > ?", q.Field))
		args = append(args, q.Gt)
	}
	if q.Gte != nil {
		conditions = append(conditions, fmt.Sprintf("%s >= ?", q.Field))
		args = append(args, q.Gte)
	}
	if q.Lt != nil {
		conditions = append(conditions, fmt.Sprintf("%s < ?", q.Field))
		args = append(args, q.Lt)
	}
	if q.Lte != nil {
		conditions = append(conditions, fmt.Sprintf("%s <= ?", q.Field))
		args = append(args, q.Lte)
	}

	if len(conditions) == 0 {
		return "1=1", nil, nil
	}

	return strings.Join(conditions, " AND "), args, nil
}

func (q *RangeQuery) ToMongo() (map[string]interface{}, error) {
	condition := make(map[string]interface{})

	if q.Gt != nil {
		condition["$gt"] = q.Gt
	}
	if q.Gte != nil {
		condition["$gte"] = q.Gte
	}
	if q.Lt != nil {
		condition["$lt"] = q.Lt
	}
	if q.Lte != nil {
		condition["$lte"] = q.Lte
	}

	if len(condition) == 0 {
		return map[string]interface{}{}, nil
	}

	return map[string]interface{}{
		q.Field: condition,
	}, nil
}

func (q *RangeQuery) Match(row map[string]interface{}) bool {
	value, ok := row[q.Field]
	if !ok || value == nil {
		return false
	}

	check := func(bound interface{}, accept func(int) bool) bool {
		if bound == nil {
			return true
		}
		c, ok := Compare(value, bound)
		return ok && accept(c)
	}

	return check(q.Gt, func(c int) bool { return c > 0 }) &&
		check(q.Gte, func(c int) bool { return c >= 0 }) &&
		check(q.Lt, func(c int) bool { return c < 0 }) &&
		check(q.Lte, func(c int) bool { return c <= 0 })
}
