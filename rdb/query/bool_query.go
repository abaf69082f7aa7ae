package query

import (
	"strings"
)

// BoolQuery 布尔查询
type BoolQuery struct {
	Must    []Query `json:"must,omitempty"`
	Should  []Query `json:"should,omitempty"`
	MustNot []Query `json:"must_not,omitempty"`
}

func (q *BoolQuery) Type() QueryType {
	return QueryTypeBool
}

func (q *BoolQuery) ToSQL() (string, []interface{}, error) {
	var conditions []string
	var args []interface{}

	join := func(queries []Query, sep string, wrap func(string) string) error {
		parts := make([]string, 0, len(queries))
		for _, query := range queries {
			sql, queryArgs, err := query.ToSQL()
			if err != nil {
				return err
			}
			parts = append(parts, wrap(sql))
			args = append(args, queryArgs...)
		}
		if len(parts) > 0 {
			conditions = append(conditions, "("+strings.Join(parts, sep)+")")
		}
		return nil
	}

	identity := func(s string) string { return s }
	if err := join(q.Must, " AND ", identity); err != nil {
		return "", nil, err
	}
	if err := join(q.Should, " OR ", identity); err != nil {
		return "", nil, err
	}
	if err := join(q.MustNot, " AND ", func(s string) string { return "NOT (" + s + ")" }); err != nil {
		return "", nil, err
	}

	if len(conditions) == 0 {
		return "1=1", nil, nil
	}

	return strings.Join(conditions, " AND "), args, nil
}

func (q *BoolQuery) ToMongo() (map[string]interface{}, error) {
	andConditions := make([]interface{}, 0)

	convert := func(queries []Query) ([]interface{}, error) {
		out := make([]interface{}, 0, len(queries))
		for _, query := range queries {
			condition, err := query.ToMongo()
			if err != nil {
				return nil, err
			}
			out = append(out, condition)
		}
		return out, nil
	}

	must, err := convert(q.Must)
	if err != nil {
		return nil, err
	}
	andConditions = append(andConditions, must...)

	if len(q.Should) > 0 {
		should, err := convert(q.Should)
		if err != nil {
			return nil, err
		}
		andConditions = append(andConditions, map[string]interface{}{"$or": should})
	}

	if len(q.MustNot) > 0 {
		mustNot, err := convert(q.MustNot)
		if err != nil {
			return nil, err
		}
		andConditions = append(andConditions, map[string]interface{}{"$nor": mustNot})
	}

	if len(andConditions) == 0 {
		return map[string]interface{}{}, nil
	}

	if len(andConditions) == 1 {
		if condition, ok := andConditions[0].(map[string]interface{}); ok {
			return condition, nil
		}
	}

	return map[string]interface{}{"$and": andConditions}, nil
}

func (q *BoolQuery) Match(row map[string]interface{}) bool {
	for _, query := range q.Must {
		if !query.Match(row) {
			return false
		}
	}
	if len(q.Should) > 0 {
		matched := false
		for _, query := range q.Should {
			if query.Match(row) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, query := range q.MustNot {
		if query.Match(row) {
			return false
		}
	}
	return true
}
