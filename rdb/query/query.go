package query

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// QueryType 查询类型
type QueryType string

const (
	QueryTypeBool   QueryType = "bool"
	QueryTypeTerm   QueryType = "term"
	QueryTypeIn     QueryType = "in"
	QueryTypeRange  QueryType = "range"
	QueryTypeExists QueryType = "exists"
	QueryTypePrefix QueryType = "prefix"
)

// Query 查询节点接口
// 每个节点同时提供 SQL、Mongo 和内存匹配三种翻译，分别供不同后端使用
type Query interface {
	Type() QueryType
	ToSQL() (string, []interface{}, error)
	ToMongo() (map[string]interface{}, error)
	// Match 判断一行数据是否满足条件，用于没有查询语言的后端
	Match(row map[string]interface{}) bool
}

// Term 精确匹配
func Term(field string, value interface{}) *TermQuery {
	return &TermQuery{Field: field, Value: value}
}

// In 取值在列表中
func In(field string, values ...interface{}) *InQuery {
	return &InQuery{Field: field, Values: values}
}

// Prefix 字符串前缀
func Prefix(field string, value string) *PrefixQuery {
	return &PrefixQuery{Field: field, Value: value}
}

// Exists 字段非空
func Exists(field string) *ExistsQuery {
	return &ExistsQuery{Field: field}
}

// And 组合多个条件，nil 条件被忽略；只有一个条件时直接返回该条件
func And(queries ...Query) Query {
	var must []Query
	for _, q := range queries {
		if q != nil {
			must = append(must, q)
		}
	}
	switch len(must) {
	case 0:
		return nil
	case 1:
		return must[0]
	default:
		return &BoolQuery{Must: must}
	}
}

// TermQuery 精确匹配查询
type TermQuery struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

func (q *TermQuery) Type() QueryType {
	return QueryTypeTerm
}

func (q *TermQuery) ToSQL() (string, []interface{}, error) {
	if err := checkField(q.Field); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s = ?", q.Field), []interface{}{q.Value}, nil
}

func (q *TermQuery) ToMongo() (map[string]interface{}, error) {
	return map[string]interface{}{
		q.Field: q.Value,
	}, nil
}

func (q *TermQuery) Match(row map[string]interface{}) bool {
	value, ok := row[q.Field]
	if !ok {
		return q.Value == nil
	}
	return Equal(value, q.Value)
}

// InQuery 列表匹配查询
type InQuery struct {
	Field  string        `json:"field"`
	Values []interface{} `json:"values"`
}

func (q *InQuery) Type() QueryType {
	return QueryTypeIn
}

func (q *InQuery) ToSQL() (string, []interface{}, error) {
	if err := checkField(q.Field); err != nil {
		return "", nil, err
	}
	if len(q.Values) == 0 {
		return "1=0", nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Values)), ", ")
	return fmt.Sprintf("%s IN (%s)", q.Field, placeholders), append([]interface{}{}, q.Values...), nil
}

func (q *InQuery) ToMongo() (map[string]interface{}, error) {
	return map[string]interface{}{
		q.Field: map[string]interface{}{
			"$in": q.Values,
		},
	}, nil
}

func (q *InQuery) Match(row map[string]interface{}) bool {
	value, ok := row[q.Field]
	if !ok {
		return false
	}
	for _, v := range q.Values {
		if Equal(value, v) {
			return true
		}
	}
	return false
}

// ExistsQuery 字段存在查询
type ExistsQuery struct {
	Field string `json:"field"`
}

func (q *ExistsQuery) Type() QueryType {
	return QueryTypeExists
}

func (q *ExistsQuery) ToSQL() (string, []interface{}, error) {
	if err := checkField(q.Field); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s IS NOT NULL", q.Field), nil, nil
}

func (q *ExistsQuery) ToMongo() (map[string]interface{}, error) {
	return map[string]interface{}{
		q.Field: map[string]interface{}{
			"$exists": true,
			"$ne":     nil,
		},
	}, nil
}

func (q *ExistsQuery) Match(row map[string]interface{}) bool {
	value, ok := row[q.Field]
	return ok && value != nil
}

// PrefixQuery 前缀查询
type PrefixQuery struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (q *PrefixQuery) Type() QueryType {
	return QueryTypePrefix
}

func (q *PrefixQuery) ToSQL() (string, []interface{}, error) {
	if err := checkField(q.Field); err != nil {
		return "", nil, err
	}
	if q.Value == "" {
		return fmt.Sprintf("%s IS NOT NULL", q.Field), nil, nil
	}
	// LIKE 走索引，SUBSTR 比较保证大小写敏感（sqlite 的 LIKE 忽略 ASCII 大小写）
	return fmt.Sprintf("(%s LIKE ? ESCAPE '!' AND SUBSTR(%s, 1, %d) = ?)", q.Field, q.Field, utf8.RuneCountInString(q.Value)),
		[]interface{}{likeEscaper.Replace(q.Value) + "%", q.Value}, nil
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func (q *PrefixQuery) ToMongo() (map[string]interface{}, error) {
	return map[string]interface{}{
		q.Field: map[string]interface{}{
			"$regex": "^" + regexpQuote(q.Value),
		},
	}, nil
}

func (q *PrefixQuery) Match(row map[string]interface{}) bool {
	value, ok := row[q.Field]
	if !ok || value == nil {
		return false
	}
	s, ok := toString(value)
	return ok && strings.HasPrefix(s, q.Value)
}

// checkField 列名直接拼接进 SQL，只允许标识符字符
func checkField(field string) error {
	if field == "" {
		return fmt.Errorf("empty field name")
	}
	for _, c := range field {
		if !(c == '_' || c == '.' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return fmt.Errorf("invalid field name %q", field)
		}
	}
	return nil
}

func regexpQuote(s string) string {
	var b strings.Builder
	for _, c := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, c) {
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
