package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Tree is a store-native value: map[string]any, []any, string, bool, int64,
// float64 or []byte, nested arbitrarily.
type Tree = any

// Normalize converts v into canonical tree form.
//
// Other integer and float kinds become int64 and float64, typed maps and
// slices become map[string]any and []any, and json.Number is resolved to
// int64 when it is integral. Nil map entries are dropped, which is how an
// absent optional field is represented. A nil top-level value, a nil list
// element, or any non-tree kind is an error.
func Normalize(v any) (Tree, error) {
	if v == nil {
		return nil, fmt.Errorf("nil is not a tree value")
	}
	return normalize(v, "$")
}

func normalize(v any, path string) (Tree, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("at %s: nil is not a tree value", path)
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x), path)
	case uint64:
		return normalizeUint(x, path)
	case float32:
		return float64(x), nil
	case json.Number:
		return normalizeNumber(x, path)
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			if child == nil {
				continue
			}
			n, err := normalize(child, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, child := range x {
			n, err := normalize(child, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return normalizeReflect(reflect.ValueOf(v), path)
}

// normalizeNumber keeps integer literals exact. An integer literal outside
// the int64 range is accepted only when it is the exact text of a float64,
// which is how encoding/json writes large floats.
func normalizeNumber(n json.Number, path string) (Tree, error) {
	s := string(n)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("at %s: %w", path, err)
	}
	if !strings.ContainsAny(s, ".eE") && strconv.FormatFloat(f, 'f', -1, 64) != strings.TrimPrefix(s, "+") {
		return nil, fmt.Errorf("at %s: %s overflows int64", path, s)
	}
	return f, nil
}

func normalizeUint(u uint64, path string) (Tree, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("at %s: %d overflows int64", path, u)
	}
	return int64(u), nil
}

func normalizeReflect(rv reflect.Value, path string) (Tree, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, fmt.Errorf("at %s: nil is not a tree value", path)
		}
		return normalize(rv.Elem().Interface(), path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("at %s: map key type %s is not string", path, rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			child := iter.Value()
			if isNil(child) {
				continue
			}
			k := iter.Key().String()
			n, err := normalize(child.Interface(), path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return normalize(rv.Bytes(), path)
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := normalize(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return normalizeUint(rv.Uint(), path)
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return nil, fmt.Errorf("at %s: unsupported type %s", path, rv.Type())
}

func isNil(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// Equal reports whether two canonical trees are structurally equal.
// Numbers compare by value, so int64(5) equals float64(5).
func Equal(a, b Tree) bool {
	if af, ok := number(a); ok {
		bf, ok := number(b)
		if !ok {
			return false
		}
		if ai, aok := a.(int64); aok {
			if bi, bok := b.(int64); bok {
				return ai == bi
			}
		}
		return af == bf
	}

	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func number(v Tree) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Keys returns the sorted keys of a map tree, or nil for any other tree.
func Keys(t Tree) []string {
	m, ok := t.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
