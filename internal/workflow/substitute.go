package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// tokenPattern 匹配 {name} 与 {a.b.c} 形式的变量引用。
var tokenPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// Substitute 递归替换字符串、map 与 slice 中的 {name} 引用。
// 无法解析的引用原样保留。
func Substitute(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return SubstituteString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Substitute(item, vars)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = SubstituteString(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Substitute(item, vars)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = SubstituteString(item, vars)
		}
		return out
	default:
		return value
	}
}

// SubstituteString 替换单个字符串中的引用。
func SubstituteString(s string, vars map[string]any) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[1 : len(token)-1]
		value, ok := Lookup(vars, name)
		if !ok {
			return token
		}
		return StringifyValue(value)
	})
}

// Lookup 按点分路径查找变量，路径段可以是 map 键或 slice 下标。
func Lookup(vars map[string]any, name string) (any, bool) {
	if value, ok := vars[name]; ok {
		return value, true
	}
	parts := strings.Split(name, ".")
	current, ok := vars[parts[0]]
	if !ok {
		return nil, false
	}
	for _, part := range parts[1:] {
		current, ok = child(current, part)
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func child(value any, key string) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		item, ok := v[key]
		return item, ok
	case map[string]string:
		item, ok := v[key]
		return item, ok
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		item := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !item.IsValid() {
			return nil, false
		}
		return item.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}

// StringifyValue 将变量转为字符串：map 与 slice 输出 JSON，其他值使用 %v。
func StringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		raw, err := json.Marshal(value)
		if err == nil {
			return string(raw)
		}
	}
	return fmt.Sprintf("%v", value)
}
