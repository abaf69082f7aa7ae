package cfg

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// SetDefaults 为结构体设置默认值，基于 def tag
// 只填充零值字段；nil 的结构体指针保持为 nil，表示该部分配置未启用
func SetDefaults(object any) error {
	if object == nil {
		return fmt.Errorf("object cannot be nil")
	}

	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("object must be a non-nil pointer")
	}

	return setDefaults(rv.Elem())
}

func setDefaults(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return setDefaults(rv.Elem())
	case reflect.Map:
		// map 的值不可寻址，指针元素才能递归填充
		iter := rv.MapRange()
		for iter.Next() {
			if v := iter.Value(); v.Kind() == reflect.Ptr && !v.IsNil() {
				if err := setDefaults(v.Elem()); err != nil {
					return fmt.Errorf("failed to set defaults for key %v: %v", iter.Key(), err)
				}
			}
		}
		return nil
	case reflect.Slice:
		for i := 0; i < rv.Len(); i++ {
			if err := setDefaults(rv.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
	default:
		return nil
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fieldValue := rv.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		switch fieldValue.Kind() {
		case reflect.Struct, reflect.Ptr, reflect.Map, reflect.Slice:
			if fieldValue.Type() != reflect.TypeOf(time.Time{}) {
				if err := setDefaults(fieldValue); err != nil {
					return fmt.Errorf("failed to set defaults for field %s: %v", field.Name, err)
				}
			}
		}

		defTag := field.Tag.Get("def")
		if defTag == "" || !fieldValue.IsZero() {
			continue
		}
		if err := setDefaultValue(fieldValue, defTag); err != nil {
			return fmt.Errorf("failed to set default value for field %s: %v", field.Name, err)
		}
	}

	return nil
}

// setDefaultValue 根据字段类型和 def tag 设置默认值
func setDefaultValue(rv reflect.Value, defValue string) error {
	switch rv.Kind() {
	case reflect.String:
		rv.SetString(defValue)
		return nil

	case reflect.Bool:
		val, err := strconv.ParseBool(defValue)
		if err != nil {
			return fmt.Errorf("invalid bool value %q: %v", defValue, err)
		}
		rv.SetBool(val)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Type() == durationType {
			duration, err := time.ParseDuration(defValue)
			if err != nil {
				return fmt.Errorf("invalid duration value %q: %v", defValue, err)
			}
			rv.SetInt(int64(duration))
			return nil
		}
		val, err := strconv.ParseInt(defValue, 0, rv.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid int value %q: %v", defValue, err)
		}
		rv.SetInt(val)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		val, err := strconv.ParseUint(defValue, 0, rv.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid uint value %q: %v", defValue, err)
		}
		rv.SetUint(val)
		return nil

	case reflect.Float32, reflect.Float64:
		val, err := strconv.ParseFloat(defValue, rv.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid float value %q: %v", defValue, err)
		}
		rv.SetFloat(val)
		return nil

	case reflect.Slice:
		// 逗号分隔
		parts := strings.Split(defValue, ",")
		slice := reflect.MakeSlice(rv.Type(), len(parts), len(parts))
		for i, part := range parts {
			if err := setDefaultValue(slice.Index(i), strings.TrimSpace(part)); err != nil {
				return fmt.Errorf("failed to set slice element %d: %v", i, err)
			}
		}
		rv.Set(slice)
		return nil
	}

	return fmt.Errorf("unsupported type %v", rv.Type())
}
