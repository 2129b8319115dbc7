package wire

import (
	"math/big"
	"time"
)

// Normalize lowers an arbitrary Go value into the canonical decoded tree
// form: map[string]any, []any, string, float64, bool, nil, Undefined,
// *big.Int or time.Time. Two values that normalize equal are
// indistinguishable on the wire.
func Normalize(v any) (any, error) {
	enc, err := EncodeValue(v, DefaultLimits())
	if err != nil {
		return nil, err
	}
	return DecodeValue(enc, DefaultLimits())
}

// CloneValue deep-copies a normalized value tree. Immutable leaves are
// shared; maps, slices and big integers are copied.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = CloneValue(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = CloneValue(el)
		}
		return out
	case *big.Int:
		return new(big.Int).Set(t)
	}
	return v
}

// EqualValue reports structural equality of two normalized value trees.
// Numbers compare within their own kind: a float64 never equals a
// *big.Int, which matches how the two survive the wire.
func EqualValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !EqualValue(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !EqualValue(at[i], bt[i]) {
				return false
			}
		}
		return true
	case *big.Int:
		bt, ok := b.(*big.Int)
		return ok && at.Cmp(bt) == 0
	case time.Time:
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	case Undefined:
		_, ok := b.(Undefined)
		return ok
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case float64:
		bt, ok := b.(float64)
		return ok && at == bt
	case int64:
		bt, ok := b.(int64)
		return ok && at == bt
	}
	return false
}
