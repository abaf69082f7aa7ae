package query

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Equal 宽松比较两个值，数值类型之间按数值比较
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := Compare(a, b)
	if ok {
		return c == 0
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// Compare 比较两个值，第二个返回值表示两者是否可比较
func Compare(a, b interface{}) (int, bool) {
	// 整数之间直接比较，避免大整数转 float64 丢失精度
	if ia, ok := toInt(a); ok {
		if ib, ok := toInt(b); ok {
			return compare3(ia, ib), true
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return compare3(fa, fb), true
		}
		return 0, false
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb), true
		}
		return 0, false
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return compare3(boolInt(ba), boolInt(bb)), true
		}
		return 0, false
	}
	if sa, ok := toString(a); ok {
		if sb, ok := toString(b); ok {
			switch {
			case sa < sb:
				return -1, true
			case sa > sb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return 0, false
}

func compare3[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

func toInt(v interface{}) (int64, bool) {
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
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= uint64(math.MaxInt64)
	default:
		return 0, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		if err == nil {
			return float64(i), true
		}
		if s, ok := v.(fmt.Stringer); ok {
			f, err := strconv.ParseFloat(s.String(), 64)
			return f, err == nil
		}
		return 0, false
	default:
		return 0, false
	}
}
