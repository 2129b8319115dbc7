package server

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/big"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wirecall-dev/wirecall/internal/diag"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// Meta parameter names. They are accepted in every named channel and
// stripped before binding.
const (
	metaProtectionMode = "csrfProtectionMode"
	metaCsrfToken      = "csrfToken"
	metaCorsReadToken  = "corsReadToken"
)

// metaParams carries the security declarations a request smuggled in
// through query or body instead of headers.
type metaParams struct {
	mode          string
	modeDeclared  bool
	csrfToken     string
	corsReadToken string
}

// channelValue is one raw argument with its provenance. str marks
// values from text channels (path, query, form, multipart values),
// which get kind-directed coercion; native JSON values keep their type.
type channelValue struct {
	v       any
	str     bool
	channel string
}

// boundCall is a fully bound invocation.
type boundCall struct {
	args []any
	meta metaParams
}

// collectHTTPArgs runs the whole grammar for one HTTP request: path
// segments, query, body and multipart, merged in that order, bound to
// the method's parameters.
func collectHTTPArgs(r *http.Request, m *Method, pathArgs []string, lim wire.Limits) (*boundCall, error) {
	var positional []channelValue
	named := make(map[string]channelValue)
	var meta metaParams

	for _, seg := range pathArgs {
		positional = append(positional, channelValue{v: seg, str: true, channel: "path"})
	}

	qPos, qNamed, err := parseQueryArgs(r.URL.RawQuery, m, &meta)
	if err != nil {
		return nil, err
	}
	positional = append(positional, qPos...)
	for name, cv := range qNamed {
		named[name] = cv
	}

	bPos, bNamed, err := parseBodyArgs(r, m, &meta, lim)
	if err != nil {
		return nil, err
	}
	positional = append(positional, bPos...)
	for name, cv := range bNamed {
		if prev, dup := named[name]; dup {
			return nil, argErrorf(m.Name,
				"cannot set %q through named parameters in both %s and %s",
				name, prev.channel, cv.channel)
		}
		named[name] = cv
	}

	args, err := bindArguments(m, positional, named)
	if err != nil {
		return nil, err
	}
	return &boundCall{args: args, meta: meta}, nil
}

// parseQueryArgs reads the query string. Pairs with "=" form the named
// map; a bare query is a comma-separated positional list.
func parseQueryArgs(rawQuery string, m *Method, meta *metaParams) ([]channelValue, map[string]channelValue, error) {
	if rawQuery == "" {
		return nil, nil, nil
	}
	if !strings.Contains(rawQuery, "=") {
		var positional []channelValue
		for _, tok := range strings.Split(rawQuery, ",") {
			dec, err := url.QueryUnescape(tok)
			if err != nil {
				return nil, nil, argErrorf(m.Name, "undecodable query value %q", tok)
			}
			positional = append(positional, channelValue{v: dec, str: true, channel: "query"})
		}
		return positional, nil, nil
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, nil, argErrorf(m.Name, "undecodable query string: %v", err)
	}
	named, err := namedFromValues(values, m, meta, "query")
	if err != nil {
		return nil, nil, err
	}
	return nil, named, nil
}

// namedFromValues turns url.Values into the named channel map,
// extracting meta parameters and rejecting repeated keys.
func namedFromValues(values url.Values, m *Method, meta *metaParams, channel string) (map[string]channelValue, error) {
	named := make(map[string]channelValue, len(values))
	for name, vals := range values {
		if len(vals) > 1 {
			return nil, argError(m.Name, diag.New("W021").
				WithDetailf("%q appears %d times in the %s", name, len(vals), channel))
		}
		if takeMeta(meta, name, vals[0]) {
			continue
		}
		named[name] = channelValue{v: vals[0], str: true, channel: channel}
	}
	return named, nil
}

// takeMeta captures a meta parameter. It returns true when the name
// was a meta name and must not reach binding.
func takeMeta(meta *metaParams, name, value string) bool {
	switch name {
	case metaProtectionMode:
		meta.mode = value
		meta.modeDeclared = true
		return true
	case metaCsrfToken:
		meta.csrfToken = value
		return true
	case metaCorsReadToken:
		meta.corsReadToken = value
		return true
	}
	return false
}

// parseBodyArgs reads the request body according to its content type.
// The body reader is expected to be wrapped with http.MaxBytesReader
// by the dispatcher.
func parseBodyArgs(r *http.Request, m *Method, meta *metaParams, lim wire.Limits) ([]channelValue, map[string]channelValue, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil, nil
	}
	rawCT := r.Header.Get("Content-Type")
	if rawCT == "" {
		return nil, nil, nil
	}
	ct, _, err := mime.ParseMediaType(rawCT)
	if err != nil {
		return nil, nil, argError(m.Name, diag.New("W025").
			WithDetailf("unparsable Content-Type %q", rawCT))
	}

	switch ct {
	case "application/json":
		return parseJSONBody(r.Body, m, meta, lim)
	case "application/x-www-form-urlencoded":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, bodyReadError(m, err)
		}
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return nil, nil, argErrorf(m.Name, "undecodable form body: %v", err)
		}
		named, err := namedFromValues(values, m, meta, "body")
		return nil, named, err
	case "text/plain":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, bodyReadError(m, err)
		}
		return []channelValue{{v: string(data), channel: "body"}}, nil, nil
	case "application/octet-stream":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, bodyReadError(m, err)
		}
		return []channelValue{{v: data, channel: "body"}}, nil, nil
	case "multipart/form-data":
		if !m.Service.AcceptsMultipart() {
			return nil, nil, argError(m.Name, diag.New("W025").
				WithDetail("multipart bodies are only parsed for services with binary parameters"))
		}
		return parseMultipartBody(r, m, meta)
	}
	return nil, nil, argError(m.Name, diag.New("W025").WithDetailf("Content-Type %q", ct))
}

// parseJSONBody maps a JSON body onto argument channels: an array is
// positional, an object is named, any other valid JSON document is one
// positional argument. A body that does not parse as JSON is rejected
// rather than guessed at.
func parseJSONBody(body io.Reader, m *Method, meta *metaParams, lim wire.Limits) ([]channelValue, map[string]channelValue, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, bodyReadError(m, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, nil
	}
	tree, err := wire.UnmarshalLimits(data, lim)
	if err != nil {
		return nil, nil, argError(m.Name, diag.New("W024").
			WithDetailf("body declared application/json but does not parse: %v", err))
	}

	switch t := tree.(type) {
	case []any:
		positional := make([]channelValue, len(t))
		for i, el := range t {
			positional[i] = channelValue{v: el, channel: "body"}
		}
		return positional, nil, nil
	case map[string]any:
		named := make(map[string]channelValue, len(t))
		for name, el := range t {
			if s, ok := el.(string); ok && takeMeta(meta, name, s) {
				continue
			}
			named[name] = channelValue{v: el, channel: "body"}
		}
		return nil, named, nil
	default:
		// A bare JSON value: exactly one argument.
		return []channelValue{{v: tree, channel: "body"}}, nil, nil
	}
}

// parseMultipartBody assigns named parts to parameters. Value parts
// behave like form fields; file parts feed binary parameters. Parts
// are consumed in arrival order, buffered under the request body cap,
// so binding never depends on the order the method reads them in.
func parseMultipartBody(r *http.Request, m *Method, meta *metaParams) ([]channelValue, map[string]channelValue, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, argErrorf(m.Name, "undecodable multipart body: %v", err)
	}
	named := make(map[string]channelValue)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, bodyReadError(m, err)
		}
		name := part.FormName()
		if name == "" {
			part.Close()
			continue
		}
		if _, dup := named[name]; dup {
			part.Close()
			return nil, nil, argError(m.Name, diag.New("W021").
				WithDetailf("part %q appears twice in the multipart body", name))
		}
		if part.FileName() == "" {
			data, err := readPart(part)
			if err != nil {
				return nil, nil, bodyReadError(m, err)
			}
			if takeMeta(meta, name, string(data)) {
				continue
			}
			named[name] = channelValue{v: string(data), str: true, channel: "multipart"}
			continue
		}
		data, err := readPart(part)
		if err != nil {
			return nil, nil, bodyReadError(m, err)
		}
		idx := m.paramIndex(name)
		if idx >= 0 && m.Params[idx].Kind == KindStream {
			named[name] = channelValue{v: io.Reader(bytes.NewReader(data)), channel: "multipart"}
		} else {
			named[name] = channelValue{v: data, channel: "multipart"}
		}
	}
	return nil, named, nil
}

func readPart(part *multipart.Part) ([]byte, error) {
	defer part.Close()
	return io.ReadAll(part)
}

func bodyReadError(m *Method, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return argError(m.Name, diag.New("W026").
			WithDetailf("limit is %d bytes", tooLarge.Limit))
	}
	return argErrorf(m.Name, "reading body: %v", err)
}

// bindArguments merges the channels onto the parameter list.
// Positional values fill parameters left to right; named values land on
// their parameter wherever it is. A parameter hit by both is an error,
// as is an unknown name unless the method trims.
func bindArguments(m *Method, positional []channelValue, named map[string]channelValue) ([]any, error) {
	nParams := len(m.Params)
	variadic := nParams > 0 && m.Params[nParams-1].Variadic

	assigned := make([]any, nParams)
	set := make([]bool, nParams)
	var varargs []any

	for i, cv := range positional {
		switch {
		case i < nParams && !(variadic && i == nParams-1):
			v, present, err := coerce(m, m.Params[i], cv)
			if err != nil {
				return nil, err
			}
			if present {
				assigned[i] = v
				set[i] = true
			}
		case variadic:
			p := m.Params[nParams-1]
			v, present, err := coerce(m, p, cv)
			if err != nil {
				return nil, err
			}
			if present {
				varargs = append(varargs, v)
			}
		default:
			return nil, argError(m.Name, diag.New("W022").
				WithDetailf("%d positional values for %d parameters", len(positional), nParams))
		}
	}

	for name, cv := range named {
		idx := m.paramIndex(name)
		if idx < 0 {
			if m.Options.TrimArguments {
				continue
			}
			return nil, argError(m.Name, diag.New("W020").WithDetailf("no parameter named %q", name))
		}
		if set[idx] {
			return nil, argError(m.Name, diag.New("W021").
				WithDetailf("%q was supplied positionally and by name", name))
		}
		v, present, err := coerce(m, m.Params[idx], cv)
		if err != nil {
			return nil, err
		}
		if present {
			assigned[idx] = v
			set[idx] = true
		}
	}

	// Every declared parameter gets a slot. Absent ones carry the
	// undefined marker so the method can tell "not supplied" from an
	// explicit null.
	fixed := nParams
	if variadic {
		fixed = nParams - 1
	}
	args := make([]any, 0, fixed+len(varargs))
	for i := 0; i < fixed; i++ {
		if set[i] {
			args = append(args, assigned[i])
		} else {
			args = append(args, wire.Undefined{})
		}
	}
	if variadic {
		if set[nParams-1] {
			varargs = append([]any{assigned[nParams-1]}, varargs...)
		}
		args = append(args, varargs...)
	}
	return args, nil
}

// coerce converts one raw channel value for a parameter. present is
// false when the value means "argument absent": an empty string for a
// typed parameter, or an explicit undefined.
func coerce(m *Method, p Param, cv channelValue) (v any, present bool, err error) {
	if _, undef := cv.v.(wire.Undefined); undef {
		return nil, false, nil
	}
	if cv.v == nil {
		return nil, true, nil
	}
	if cv.str {
		return coerceString(m, p, cv.v.(string))
	}
	return checkNative(m, p, cv.v)
}

// coerceString applies the text-channel conversion rules for a typed
// parameter.
func coerceString(m *Method, p Param, s string) (any, bool, error) {
	switch p.Kind {
	case KindValue, KindString:
		return s, true, nil
	case KindInt:
		if s == "" {
			return nil, false, nil
		}
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, false, mismatch(m, p, "integer", s)
		}
		return n, true, nil
	case KindFloat:
		if s == "" {
			return nil, false, nil
		}
		switch s {
		case "NaN":
			return math.NaN(), true, nil
		case "Infinity", "+Infinity":
			return math.Inf(1), true, nil
		case "-Infinity":
			return math.Inf(-1), true, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false, mismatch(m, p, "number", s)
		}
		return f, true, nil
	case KindBool:
		switch s {
		case "":
			return nil, false, nil
		case "true":
			return true, true, nil
		case "false":
			return false, true, nil
		}
		return nil, false, mismatch(m, p, "boolean", s)
	case KindTime:
		if s == "" {
			return nil, false, nil
		}
		ts, err := parseISOTime(s)
		if err != nil {
			return nil, false, mismatch(m, p, "ISO-8601 timestamp", s)
		}
		return ts, true, nil
	case KindBigInt:
		if s == "" {
			return nil, false, nil
		}
		n, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, false, mismatch(m, p, "integer", s)
		}
		return n, true, nil
	case KindBytes, KindStream:
		return nil, false, mismatch(m, p, "binary part", s)
	case KindCallback:
		return nil, false, mismatch(m, p, "callback", s)
	}
	return nil, false, mismatch(m, p, "value", s)
}

// checkNative validates a native JSON value against the parameter
// kind.
func checkNative(m *Method, p Param, v any) (any, bool, error) {
	switch p.Kind {
	case KindValue:
		return v, true, nil
	case KindString:
		if s, ok := v.(string); ok {
			return s, true, nil
		}
	case KindInt:
		if n, ok := wire.NumberToInt64(v); ok {
			return n, true, nil
		}
	case KindFloat:
		switch t := v.(type) {
		case float64:
			return t, true, nil
		case *big.Int:
			f, _ := new(big.Float).SetInt(t).Float64()
			return f, true, nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, true, nil
		}
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return t, true, nil
		case string:
			if ts, err := parseISOTime(t); err == nil {
				return ts, true, nil
			}
		}
	case KindBigInt:
		switch t := v.(type) {
		case *big.Int:
			return t, true, nil
		case float64:
			if t == math.Trunc(t) {
				return big.NewInt(int64(t)), true, nil
			}
		}
	case KindBytes:
		if b, ok := v.([]byte); ok {
			return b, true, nil
		}
	case KindStream:
		switch t := v.(type) {
		case io.Reader:
			return t, true, nil
		case []byte:
			return io.Reader(bytes.NewReader(t)), true, nil
		}
	case KindCallback:
		if cb, ok := v.(*Callback); ok {
			return cb, true, nil
		}
	}
	return nil, false, mismatch(m, p, kindName(p.Kind), v)
}

func mismatch(m *Method, p Param, want string, got any) error {
	return argError(m.Name, diag.New("W023").
		WithDetailf("parameter %q wants %s, got %v", p.Name, want, got))
}

func kindName(k ParamKind) string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindFloat:
		return "number"
	case KindBool:
		return "boolean"
	case KindTime:
		return "timestamp"
	case KindBigInt:
		return "big integer"
	case KindBytes:
		return "byte buffer"
	case KindStream:
		return "byte stream"
	case KindCallback:
		return "callback"
	}
	return "value"
}

func parseISOTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", s)
}

// argError wraps a diagnostic as an argument failure.
func argError(method string, d *diag.Error) *ArgumentError {
	return &ArgumentError{Method: method, Message: d.Error(), Err: d}
}
