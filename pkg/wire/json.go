package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"
)

// Undefined is the decoded form of the wire value "!undefined". It is
// distinct from nil: nil means JSON null, Undefined means the value was
// never set.
type Undefined struct{}

func (Undefined) String() string { return "undefined" }

// Codec errors.
var (
	ErrMaxDepthExceeded = errors.New("wire: max nesting depth exceeded")
	ErrUnknownTag       = errors.New("wire: unknown extension tag")
	ErrBadBigInt        = errors.New("wire: malformed BigInt value")
	ErrBadDate          = errors.New("wire: malformed Date value")
)

// UnsupportedTypeError reports a Go value the codec cannot represent.
type UnsupportedTypeError struct {
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("wire: unsupported type %s", e.Type)
}

const (
	tagUndefined = "!undefined"
	tagBigInt    = "!BigInt:"
	tagDate      = "!Date:"

	// dateLayout matches toISOString output from generated clients.
	dateLayout = "2006-01-02T15:04:05.000Z"
)

// maxExactInt is the largest integer magnitude a JSON number can carry
// without rounding. Anything beyond travels as a tagged big integer.
const maxExactInt = int64(1) << 53

// Limits bounds what the codec accepts from a peer.
type Limits struct {
	// MaxFrameBytes caps the byte length of one frame.
	MaxFrameBytes int

	// MaxDepth caps the nesting depth of a decoded value tree.
	MaxDepth int
}

// DefaultLimits returns the limits used by Marshal and Unmarshal.
func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 1 << 20,
		MaxDepth:      64,
	}
}

// Marshal encodes v as extended JSON using the default limits.
func Marshal(v any) ([]byte, error) {
	tree, err := encodeValue(v, 0, DefaultLimits())
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// Unmarshal decodes extended JSON into a value tree: map[string]any,
// []any, string, float64, bool, nil, Undefined, *big.Int or time.Time.
func Unmarshal(data []byte) (any, error) {
	return UnmarshalLimits(data, DefaultLimits())
}

// UnmarshalLimits is Unmarshal with explicit limits.
func UnmarshalLimits(data []byte, lim Limits) (any, error) {
	if lim.MaxFrameBytes > 0 && len(data) > lim.MaxFrameBytes {
		return nil, fmt.Errorf("wire: payload of %d bytes exceeds limit %d", len(data), lim.MaxFrameBytes)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("wire: invalid JSON: %w", err)
	}
	return decodeValue(raw, 0, lim)
}

// EncodeValue lowers an arbitrary Go value into a plain JSON value tree
// with extension tags applied. The result marshals cleanly with
// encoding/json.
func EncodeValue(v any, lim Limits) (any, error) {
	return encodeValue(v, 0, lim)
}

// DecodeValue reverses the extension tags inside a freshly unmarshalled
// JSON value tree.
func DecodeValue(v any, lim Limits) (any, error) {
	return decodeValue(v, 0, lim)
}

func encodeValue(v any, depth int, lim Limits) (any, error) {
	if lim.MaxDepth > 0 && depth > lim.MaxDepth {
		return nil, ErrMaxDepthExceeded
	}
	if v == nil {
		return nil, nil
	}

	switch t := v.(type) {
	case Undefined:
		return tagUndefined, nil
	case *Undefined:
		return tagUndefined, nil
	case string:
		return escapeString(t), nil
	case bool, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return encodeInt(int64(t)), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return encodeInt(t), nil
	case uint:
		return encodeUint(uint64(t)), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return encodeUint(t), nil
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		return tagBigInt + t.String(), nil
	case big.Int:
		return tagBigInt + t.String(), nil
	case time.Time:
		return tagDate + t.UTC().Format(dateLayout), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(t), nil
	case json.Number:
		return encodeNumber(t)
	case error:
		return escapeString(t.Error()), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem().Interface(), depth, lim)
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := encodeValue(rv.Index(i).Interface(), depth+1, lim)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedTypeError{Type: rv.Type()}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := encodeValue(iter.Value().Interface(), depth+1, lim)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any)
		if err := encodeStruct(rv, out, depth, lim); err != nil {
			return nil, err
		}
		return out, nil
	}

	return nil, &UnsupportedTypeError{Type: reflect.TypeOf(v)}
}

// encodeStruct flattens rv into out, honoring json struct tags. Embedded
// exported structs are inlined like encoding/json does.
func encodeStruct(rv reflect.Value, out map[string]any, depth int, lim Limits) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		name, omitEmpty, skip := jsonFieldName(f)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct && !hasJSONTag(f) {
			if err := encodeStruct(fv, out, depth, lim); err != nil {
				return err
			}
			continue
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		enc, err := encodeValue(fv.Interface(), depth+1, lim)
		if err != nil {
			return err
		}
		out[name] = enc
	}
	return nil
}

func hasJSONTag(f reflect.StructField) bool {
	_, ok := f.Tag.Lookup("json")
	return ok
}

func jsonFieldName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return f.Name, false, false
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func encodeInt(v int64) any {
	if v > maxExactInt || v < -maxExactInt {
		return tagBigInt + big.NewInt(v).String()
	}
	return float64(v)
}

func encodeUint(v uint64) any {
	if v > uint64(maxExactInt) {
		return tagBigInt + new(big.Int).SetUint64(v).String()
	}
	return float64(v)
}

func encodeNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return encodeInt(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("wire: bad number %q: %w", n.String(), err)
	}
	return f, nil
}

func escapeString(s string) string {
	if strings.HasPrefix(s, "!") {
		return "!" + s
	}
	return s
}

func decodeValue(v any, depth int, lim Limits) (any, error) {
	if lim.MaxDepth > 0 && depth > lim.MaxDepth {
		return nil, ErrMaxDepthExceeded
	}

	switch t := v.(type) {
	case nil, bool, float64:
		return t, nil
	case string:
		return decodeString(t)
	case []any:
		for i, el := range t {
			dec, err := decodeValue(el, depth+1, lim)
			if err != nil {
				return nil, err
			}
			t[i] = dec
		}
		return t, nil
	case map[string]any:
		for k, el := range t {
			dec, err := decodeValue(el, depth+1, lim)
			if err != nil {
				return nil, err
			}
			t[k] = dec
		}
		return t, nil
	}
	return nil, &UnsupportedTypeError{Type: reflect.TypeOf(v)}
}

func decodeString(s string) (any, error) {
	if !strings.HasPrefix(s, "!") {
		return s, nil
	}
	switch {
	case strings.HasPrefix(s, "!!"):
		return s[1:], nil
	case s == tagUndefined:
		return Undefined{}, nil
	case strings.HasPrefix(s, tagBigInt):
		i, ok := new(big.Int).SetString(s[len(tagBigInt):], 10)
		if !ok {
			return nil, ErrBadBigInt
		}
		return i, nil
	case strings.HasPrefix(s, tagDate):
		raw := s[len(tagDate):]
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, raw)
		}
		if err != nil {
			return nil, ErrBadDate
		}
		return ts, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTag, s)
}

// NumberToInt64 reports the int64 form of a decoded numeric value.
// Values with a fractional part or outside the int64 range fail.
func NumberToInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) || t > float64(math.MaxInt64) || t < float64(math.MinInt64) {
			return 0, false
		}
		return int64(t), true
	case *big.Int:
		if !t.IsInt64() {
			return 0, false
		}
		return t.Int64(), true
	}
	return 0, false
}
