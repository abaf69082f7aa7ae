package cfg

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RegisterValidation 注册自定义校验 tag，需在校验前调用
func RegisterValidation(tag string, fn validator.Func) error {
	return validate.RegisterValidation(tag, fn)
}

// Validate 按 validate tag 校验结构体，非结构体直接通过
func Validate(object any) error {
	rv := reflect.ValueOf(object)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(rv.Interface())
}
