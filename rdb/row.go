package rdb

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

var timeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

func structValue(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return reflect.Value{}, fmt.Errorf("nil %T", v)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("expected struct, got %T", v)
	}
	return rv, nil
}

// ToRow 按表模型把结构体转换为一行数据
// 主键未设置时不写入主键列
func (m *TableModel) ToRow(v any) (Row, error) {
	rv, err := structValue(v)
	if err != nil {
		return nil, err
	}

	row := make(Row, len(m.Fields))
	for _, f := range m.Fields {
		fv := rv.FieldByIndex(f.index)
		if f.Primary && fv.IsZero() {
			continue
		}
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				row[f.Name] = nil
				continue
			}
			fv = fv.Elem()
		}
		row[f.Name] = fv.Interface()
	}
	return row, nil
}

// ScanRow 把一行数据写入结构体指针
func (m *TableModel) ScanRow(row Row, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dest must be a pointer to struct")
	}
	rv = rv.Elem()

	for _, f := range m.Fields {
		value, exists := row[f.Name]
		if !exists || value == nil {
			continue
		}
		fieldValue := rv.FieldByIndex(f.index)
		if !fieldValue.CanSet() {
			continue
		}
		if err := setFieldValue(fieldValue, value); err != nil {
			return fmt.Errorf("failed to set field %s: %v", f.Name, err)
		}
	}
	return nil
}

// Identity 读取结构体的主键值，第二个返回值表示主键是否已设置
func (m *TableModel) Identity(v any) (any, bool, error) {
	rv, err := structValue(v)
	if err != nil {
		return nil, false, err
	}
	pk := m.PrimaryField()
	fv := rv.FieldByIndex(pk.index)
	if fv.IsZero() {
		return nil, false, nil
	}
	if fv.Kind() == reflect.Ptr {
		fv = fv.Elem()
	}
	return fv.Interface(), true, nil
}

// SetIdentity 写入主键值，id 为 nil 时清空主键
func (m *TableModel) SetIdentity(v any, id any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dest must be a pointer to struct")
	}
	fv := rv.Elem().FieldByIndex(m.PrimaryField().index)
	if id == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	return setFieldValue(fv, id)
}

// NormalizeID 把主键值统一为 int64 或 string，便于比较和作为键
func (m *TableModel) NormalizeID(id any) (any, error) {
	switch m.PrimaryField().Type {
	case FieldTypeInt:
		i, ok := ToInt64(id)
		if !ok {
			return nil, fmt.Errorf("invalid integer identity %v (%T)", id, id)
		}
		return i, nil
	case FieldTypeString:
		switch v := id.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	default:
		return id, nil
	}
}

// EncodeJSON 把 json 类型的列编码为字符串，用于没有原生 JSON 类型的后端
func (m *TableModel) EncodeJSON(row Row) (Row, error) {
	out := row.Clone()
	for _, f := range m.Fields {
		if f.Type != FieldTypeJSON {
			continue
		}
		value, ok := out[f.Name]
		if !ok || value == nil {
			continue
		}
		buf, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode column %s: %v", f.Name, err)
		}
		out[f.Name] = string(buf)
	}
	return out, nil
}

// ToInt64 把常见的数值表示转换为 int64
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), float32(int64(n)) == n
	case float64:
		return int64(n), float64(int64(n)) == n
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	case interface{ Int64() (int64, error) }:
		// json.Number 以及部分驱动的数值字符串类型
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// setFieldValue 设置字段值，兼容各个驱动返回的类型
func setFieldValue(fieldValue reflect.Value, value any) error {
	if value == nil {
		return nil
	}

	fieldType := fieldValue.Type()

	if fieldType.Kind() == reflect.Ptr {
		elem := reflect.New(fieldType.Elem())
		if err := setFieldValue(elem.Elem(), value); err != nil {
			return err
		}
		fieldValue.Set(elem)
		return nil
	}

	valueType := reflect.TypeOf(value)

	// 时间类型
	if fieldType == timeType {
		switch v := value.(type) {
		case time.Time:
			fieldValue.Set(reflect.ValueOf(v))
			return nil
		case []byte:
			return setFieldValue(fieldValue, string(v))
		case string:
			var lastErr error
			for _, format := range timeFormats {
				parsed, err := time.Parse(format, v)
				if err == nil {
					fieldValue.Set(reflect.ValueOf(parsed))
					return nil
				}
				lastErr = err
			}
			return fmt.Errorf("cannot parse time string %s: %v", v, lastErr)
		}
		if i, ok := ToInt64(value); ok {
			fieldValue.Set(reflect.ValueOf(time.UnixMilli(i)))
			return nil
		}
	}

	switch fieldType.Kind() {
	case reflect.Bool:
		switch v := value.(type) {
		case bool:
			fieldValue.SetBool(v)
			return nil
		case []byte:
			b, err := strconv.ParseBool(string(v))
			if err == nil {
				fieldValue.SetBool(b)
				return nil
			}
		case string:
			b, err := strconv.ParseBool(v)
			if err == nil {
				fieldValue.SetBool(b)
				return nil
			}
		}
		if i, ok := ToInt64(value); ok {
			fieldValue.SetBool(i != 0)
			return nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, ok := ToInt64(value); ok {
			fieldValue.SetInt(i)
			return nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if i, ok := ToInt64(value); ok && i >= 0 {
			fieldValue.SetUint(uint64(i))
			return nil
		}
	case reflect.Float32, reflect.Float64:
		switch v := value.(type) {
		case float64:
			fieldValue.SetFloat(v)
			return nil
		case float32:
			fieldValue.SetFloat(float64(v))
			return nil
		case []byte:
			f, err := strconv.ParseFloat(string(v), 64)
			if err == nil {
				fieldValue.SetFloat(f)
				return nil
			}
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err == nil {
				fieldValue.SetFloat(f)
				return nil
			}
		}
		if i, ok := ToInt64(value); ok {
			fieldValue.SetFloat(float64(i))
			return nil
		}
	case reflect.String:
		switch v := value.(type) {
		case string:
			fieldValue.SetString(v)
			return nil
		case []byte:
			fieldValue.SetString(string(v))
			return nil
		}
	case reflect.Map, reflect.Slice, reflect.Struct, reflect.Array:
		// json 列在部分后端以字符串存储
		var raw []byte
		switch v := value.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			if fieldType.Kind() != reflect.Slice || fieldType.Elem().Kind() != reflect.Uint8 {
				raw = v
			}
		}
		if raw == nil && !valueType.AssignableTo(fieldType) && !valueType.ConvertibleTo(fieldType) {
			// 文档型后端返回通用 map/slice，经 json 转一次
			buf, err := json.Marshal(value)
			if err == nil {
				raw = buf
			}
		}
		if raw != nil {
			ptr := reflect.New(fieldType)
			if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
				return fmt.Errorf("cannot decode %s into %v: %v", raw, fieldType, err)
			}
			fieldValue.Set(ptr.Elem())
			return nil
		}
	}

	if valueType.AssignableTo(fieldType) {
		fieldValue.Set(reflect.ValueOf(value))
		return nil
	}

	if valueType.ConvertibleTo(fieldType) && valueType.Kind() != reflect.String {
		fieldValue.Set(reflect.ValueOf(value).Convert(fieldType))
		return nil
	}

	return fmt.Errorf("cannot convert %v to %v", valueType, fieldType)
}
