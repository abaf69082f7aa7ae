package rdb

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TableModel 表模型定义
type TableModel struct {
	Table         string // 表名
	Fields        []FieldDefinition
	PrimaryKey    string            // 主键列名
	AutoIncrement bool              // 主键为整数时由存储分配
	Indexes       []IndexDefinition // 普通索引

	goType reflect.Type
}

// FieldDefinition 字段定义
type FieldDefinition struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any
	Size     int // 字段长度，如 VARCHAR(255)
	Primary  bool

	index []int
}

// FieldType 字段类型
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeBool   FieldType = "bool"
	FieldTypeDate   FieldType = "date"
	FieldTypeJSON   FieldType = "json"
)

// IndexDefinition 索引定义
type IndexDefinition struct {
	Name   string
	Fields []string
	Unique bool
}

// TableNamer 自定义表名
type TableNamer interface {
	TableName() string
}

// Field 按列名查找字段
func (m *TableModel) Field(name string) (FieldDefinition, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// PrimaryField 主键字段
func (m *TableModel) PrimaryField() FieldDefinition {
	f, _ := m.Field(m.PrimaryKey)
	return f
}

// Columns 按定义顺序返回列名
func (m *TableModel) Columns() []string {
	columns := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		columns = append(columns, f.Name)
	}
	return columns
}

// GoType 模型对应的结构体类型
func (m *TableModel) GoType() reflect.Type {
	return m.goType
}

var modelCache sync.Map

// ModelOf 获取结构体的表模型，结果按类型缓存
func ModelOf(v any) (*TableModel, error) {
	rt := reflect.TypeOf(v)
	for rt != nil && rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	if rt == nil || rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct, got %T", v)
	}
	if cached, ok := modelCache.Load(rt); ok {
		return cached.(*TableModel), nil
	}

	model, err := NewTableModelBuilder().FromStruct(reflect.New(rt).Interface())
	if err != nil {
		return nil, err
	}
	actual, _ := modelCache.LoadOrStore(rt, model)
	return actual.(*TableModel), nil
}

// TableModelBuilder 表模型构建器
type TableModelBuilder struct{}

// NewTableModelBuilder 创建新的表模型构建器
func NewTableModelBuilder() *TableModelBuilder {
	return &TableModelBuilder{}
}

// FromStruct 从结构体构建 TableModel
// 支持的 tag 格式：
// - `rdb:"column_name,type=string,size=255,required,primary,index,unique"`
// - 结构体实现 TableName() string 时使用其返回值作为表名
// 匿名嵌入的结构体字段会被展开
func (b *TableModelBuilder) FromStruct(v any) (*TableModel, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct, got %T", v)
	}

	rt := rv.Type()

	tableName := ""
	if namer, ok := v.(TableNamer); ok {
		tableName = namer.TableName()
	}
	if tableName == "" {
		tableName = strings.ToLower(rt.Name())
	}

	model := &TableModel{
		Table:  tableName,
		goType: rt,
	}

	indexMap := make(map[string]*IndexDefinition)
	var indexOrder []string
	if err := b.collectFields(rt, nil, model, indexMap, &indexOrder); err != nil {
		return nil, err
	}

	var primaryKeys []string
	for _, f := range model.Fields {
		if f.Primary {
			primaryKeys = append(primaryKeys, f.Name)
		}
	}
	switch len(primaryKeys) {
	case 0:
		// 没有显式主键时约定 ID 字段为主键
		for i := range model.Fields {
			if model.Fields[i].Name == "id" || model.Fields[i].Name == "ID" {
				model.Fields[i].Primary = true
				primaryKeys = append(primaryKeys, model.Fields[i].Name)
				break
			}
		}
		if len(primaryKeys) == 0 {
			return nil, fmt.Errorf("model %s has no primary key", rt.Name())
		}
	case 1:
	default:
		return nil, fmt.Errorf("model %s declares %d primary keys, only one identity field is supported", rt.Name(), len(primaryKeys))
	}

	model.PrimaryKey = primaryKeys[0]
	pk := model.PrimaryField()
	model.AutoIncrement = pk.Type == FieldTypeInt

	for _, name := range indexOrder {
		model.Indexes = append(model.Indexes, *indexMap[name])
	}

	return model, nil
}

func (b *TableModelBuilder) collectFields(rt reflect.Type, parent []int, model *TableModel, indexMap map[string]*IndexDefinition, indexOrder *[]string) error {
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		index := append(append([]int{}, parent...), i)

		rdbTag := field.Tag.Get("rdb")
		if rdbTag == "-" {
			continue
		}

		// 展开匿名嵌入结构体
		if field.Anonymous && rdbTag == "" {
			ft := field.Type
			if ft.Kind() == reflect.Ptr {
				continue
			}
			if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Time{}) {
				if err := b.collectFields(ft, index, model, indexMap, indexOrder); err != nil {
					return err
				}
				continue
			}
		}

		if !field.IsExported() {
			continue
		}

		fieldDef, indexes, err := b.parseFieldTag(field, rdbTag)
		if err != nil {
			return fmt.Errorf("failed to parse field %s: %v", field.Name, err)
		}
		fieldDef.index = index

		model.Fields = append(model.Fields, fieldDef)

		for _, idx := range indexes {
			if existing, exists := indexMap[idx.Name]; exists {
				existing.Fields = append(existing.Fields, fieldDef.Name)
			} else {
				idx := idx
				idx.Fields = []string{fieldDef.Name}
				indexMap[idx.Name] = &idx
				*indexOrder = append(*indexOrder, idx.Name)
			}
		}
	}
	return nil
}

// parseFieldTag 解析字段的 rdb tag
func (b *TableModelBuilder) parseFieldTag(field reflect.StructField, tag string) (FieldDefinition, []IndexDefinition, error) {
	fieldDef := FieldDefinition{
		Name: field.Name,
		Type: b.inferFieldType(field.Type),
	}

	var indexes []IndexDefinition

	if tag == "" {
		return fieldDef, indexes, nil
	}

	parts := strings.Split(tag, ",")

	// 第一部分是字段名（如果指定）
	if parts[0] != "" && !strings.Contains(parts[0], "=") {
		fieldDef.Name = parts[0]
		parts = parts[1:]
	}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "=") {
			kv := strings.SplitN(part, "=", 2)
			key := strings.TrimSpace(kv[0])
			value := strings.TrimSpace(kv[1])

			switch key {
			case "type":
				fieldDef.Type = FieldType(value)
			case "size":
				size, err := strconv.Atoi(value)
				if err != nil {
					return fieldDef, nil, fmt.Errorf("invalid size %q", value)
				}
				fieldDef.Size = size
			case "default":
				fieldDef.Default = b.parseDefaultValue(value, fieldDef.Type)
			case "index":
				indexes = append(indexes, IndexDefinition{Name: value})
			case "unique":
				indexes = append(indexes, IndexDefinition{Name: value, Unique: true})
			}
			continue
		}

		switch part {
		case "required", "not_null":
			fieldDef.Required = true
		case "primary", "pk":
			fieldDef.Primary = true
		case "index":
			indexes = append(indexes, IndexDefinition{Name: fmt.Sprintf("idx_%s", fieldDef.Name)})
		case "unique":
			indexes = append(indexes, IndexDefinition{Name: fmt.Sprintf("uk_%s", fieldDef.Name), Unique: true})
		}
	}

	return fieldDef, indexes, nil
}

// inferFieldType 从 Go 类型推断字段类型
func (b *TableModelBuilder) inferFieldType(t reflect.Type) FieldType {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return FieldTypeString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return FieldTypeInt
	case reflect.Float32, reflect.Float64:
		return FieldTypeFloat
	case reflect.Bool:
		return FieldTypeBool
	default:
		if t == reflect.TypeOf(time.Time{}) {
			return FieldTypeDate
		}
		return FieldTypeJSON
	}
}

// parseDefaultValue 解析默认值
func (b *TableModelBuilder) parseDefaultValue(value string, fieldType FieldType) any {
	switch fieldType {
	case FieldTypeString:
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			return value[1 : len(value)-1]
		}
		return value
	case FieldTypeInt:
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		return 0
	case FieldTypeFloat:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		return 0.0
	case FieldTypeBool:
		return value == "true" || value == "1"
	default:
		return value
	}
}
