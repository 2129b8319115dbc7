package wirecall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/server"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// =============================================================================
// Reflective Service Binding
// =============================================================================

// Bind builds a service from the exported methods of recv, registers it
// and mounts it under the base path.
//
// A method is exposed when its last return value is error, with or
// without a result before it:
//
//	func (s *Shelf) Lookup(title string) (Book, error)
//	func (s *Shelf) Clear() error
//
// The first parameter may optionally be *wirecall.Ctx or a
// context.Context; it is filled by the engine and hidden from callers.
// Remaining parameters map by type: string, integer, float, bool,
// time.Time, *big.Int, []byte, io.Reader and *wirecall.Callback get
// their matching typed treatment, everything else is decoded from the
// argument value as JSON. A variadic tail works the way it does in Go.
//
// The remote name is the Go name with its first letter lowered, so
// Lookup answers at lookup. Exported methods of the wrong shape, for
// example String() string, are noted as local: calling them yields a
// "known but not remote" failure instead of a plain miss.
//
// Without a Params option, parameters get the synthetic names arg0,
// arg1, and so on. Positional calls work either way; calling by name
// or query string needs Params.
func (a *App) Bind(name string, recv any, opts ...BindOption) (*server.Service, error) {
	b := newBinder()
	for _, opt := range opts {
		opt(b)
	}

	sec := a.config.securityOptions()
	if b.security != nil {
		sec = *b.security
	}

	svc, err := bindService(name, recv, sec, b)
	if err != nil {
		return nil, err
	}
	if err := a.AddService(svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// MustBind is Bind that panics on error, for startup wiring.
func (a *App) MustBind(name string, recv any, opts ...BindOption) *server.Service {
	svc, err := a.Bind(name, recv, opts...)
	if err != nil {
		panic(err)
	}
	return svc
}

// =============================================================================
// Bind Options
// =============================================================================

// binder accumulates the per-method adjustments of one Bind call. Keys
// are Go method names, not remote names.
type binder struct {
	safe     map[string]bool
	skip     map[string]bool
	rename   map[string]string
	params   map[string][]string
	options  map[string]server.MethodOptions
	defaults *server.MethodOptions
	security *security.Options
}

func newBinder() *binder {
	return &binder{
		safe:    make(map[string]bool),
		skip:    make(map[string]bool),
		rename:  make(map[string]string),
		params:  make(map[string][]string),
		options: make(map[string]server.MethodOptions),
	}
}

// BindOption adjusts how Bind exposes the receiver's methods.
type BindOption func(*binder)

// Safe marks the named Go methods read-only. Only safe methods are
// callable through a cross-site simple GET.
func Safe(goNames ...string) BindOption {
	return func(b *binder) {
		for _, n := range goNames {
			b.safe[n] = true
		}
	}
}

// Skip keeps the named Go methods off the wire entirely.
func Skip(goNames ...string) BindOption {
	return func(b *binder) {
		for _, n := range goNames {
			b.skip[n] = true
		}
	}
}

// Rename exposes a Go method under a different remote name.
func Rename(goName, remoteName string) BindOption {
	return func(b *binder) { b.rename[goName] = remoteName }
}

// Params names a method's parameters for named-argument and query
// binding. The count must match the method's parameter count, not
// counting a leading context parameter.
func Params(goName string, names ...string) BindOption {
	return func(b *binder) { b.params[goName] = names }
}

// WithOptions sets the full method options for one Go method.
func WithOptions(goName string, opts MethodOptions) BindOption {
	return func(b *binder) { b.options[goName] = opts }
}

// Defaults sets the method options inherited by every exposed method
// that has none of its own.
func Defaults(opts MethodOptions) BindOption {
	return func(b *binder) { b.defaults = &opts }
}

// Security replaces the app-level security options for this service.
func Security(opts SecurityOptions) BindOption {
	return func(b *binder) { b.security = &opts }
}

func (b *binder) remoteName(goName string) string {
	if r, ok := b.rename[goName]; ok {
		return r
	}
	return lowerFirst(goName)
}

// configured reports whether any option names this method explicitly.
func (b *binder) configured(goName string) bool {
	if b.safe[goName] {
		return true
	}
	if _, ok := b.rename[goName]; ok {
		return true
	}
	if _, ok := b.params[goName]; ok {
		return true
	}
	_, ok := b.options[goName]
	return ok
}

// mentioned returns every Go method name the options refer to, for the
// typo check after binding.
func (b *binder) mentioned() []string {
	var names []string
	for n := range b.safe {
		names = append(names, n)
	}
	for n := range b.skip {
		names = append(names, n)
	}
	for n := range b.rename {
		names = append(names, n)
	}
	for n := range b.params {
		names = append(names, n)
	}
	for n := range b.options {
		names = append(names, n)
	}
	return names
}

// methodOptions resolves the effective options for one method. nil
// means "use the service defaults", which Register applies itself.
func (b *binder) methodOptions(goName string) *server.MethodOptions {
	opts, explicit := b.options[goName]
	if !explicit {
		if b.defaults != nil {
			opts = *b.defaults
		}
	}
	if b.safe[goName] {
		opts.IsSafe = true
		return &opts
	}
	if explicit {
		return &opts
	}
	return nil
}

// =============================================================================
// Binding
// =============================================================================

var (
	callCtxType  = reflect.TypeOf((*server.CallContext)(nil))
	stdCtxType   = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	readerType   = reflect.TypeOf((*io.Reader)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})
	bigIntType   = reflect.TypeOf((*big.Int)(nil))
	callbackType = reflect.TypeOf((*server.Callback)(nil))
)

// bindService builds the service without touching an engine.
func bindService(name string, recv any, sec security.Options, b *binder) (*server.Service, error) {
	rv := reflect.ValueOf(recv)
	if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		return nil, fmt.Errorf("wirecall: Bind(%q): receiver is nil", name)
	}
	rt := rv.Type()
	if rt.NumMethod() == 0 {
		return nil, fmt.Errorf("wirecall: Bind(%q): %s has no exported methods", name, rt)
	}

	svcOpts := []server.ServiceOption{server.WithSecurity(sec)}
	if b.defaults != nil {
		svcOpts = append(svcOpts, server.WithMethodDefaults(*b.defaults))
	}
	svc := server.NewService(name, svcOpts...)

	seen := make(map[string]bool, rt.NumMethod())
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		seen[m.Name] = true
		remote := b.remoteName(m.Name)

		if b.skip[m.Name] {
			svc.NoteLocal(remote)
			continue
		}

		fn := rv.Method(i)
		sig, remoteShape, err := analyzeSignature(fn.Type())
		if err != nil {
			return nil, fmt.Errorf("wirecall: Bind(%q): method %s: %w", name, m.Name, err)
		}
		if !remoteShape {
			if b.configured(m.Name) {
				return nil, fmt.Errorf("wirecall: Bind(%q): method %s must return (T, error) or error", name, m.Name)
			}
			// Wrong shape and never mentioned: an accidental export
			// like String() string. Keep the name known so a call gets
			// a pointed failure instead of a plain miss.
			svc.NoteLocal(remote)
			continue
		}

		params, err := b.declaredParams(m.Name, sig)
		if err != nil {
			return nil, fmt.Errorf("wirecall: Bind(%q): method %s: %w", name, m.Name, err)
		}

		if _, err := svc.Register(remote, newAdapter(remote, fn, sig), params, b.methodOptions(m.Name)); err != nil {
			return nil, fmt.Errorf("wirecall: Bind(%q): method %s: %w", name, m.Name, err)
		}
	}

	for _, n := range b.mentioned() {
		if !seen[n] {
			return nil, fmt.Errorf("wirecall: Bind(%q): option refers to unknown method %q on %s", name, n, rt)
		}
	}
	return svc, nil
}

// boundSig is the analyzed shape of one Go method.
type boundSig struct {
	ctxMode   int // 0 none, 1 *server.CallContext, 2 context.Context
	params    []reflect.Type
	variadic  bool
	hasResult bool
}

// analyzeSignature decides whether a method has a remote-callable shape
// and, when it does, extracts the parameter layout. remoteShape is
// false for methods that do not end in an error return; those become
// local notes. A malformed but clearly remote-shaped method is an
// error.
func analyzeSignature(mt reflect.Type) (sig *boundSig, remoteShape bool, err error) {
	switch mt.NumOut() {
	case 1, 2:
		if mt.Out(mt.NumOut()-1) != errorType {
			return nil, false, nil
		}
	default:
		return nil, false, nil
	}

	sig = &boundSig{hasResult: mt.NumOut() == 2, variadic: mt.IsVariadic()}

	start := 0
	if mt.NumIn() > 0 {
		switch mt.In(0) {
		case callCtxType:
			sig.ctxMode = 1
			start = 1
		case stdCtxType:
			sig.ctxMode = 2
			start = 1
		}
	}
	for i := start; i < mt.NumIn(); i++ {
		t := mt.In(i)
		if t == stdCtxType || t == callCtxType {
			return nil, true, errors.New("a context parameter must come first")
		}
		sig.params = append(sig.params, t)
	}
	return sig, true, nil
}

// declaredParams builds the engine-facing parameter descriptors.
func (b *binder) declaredParams(goName string, sig *boundSig) ([]server.Param, error) {
	names, named := b.params[goName]
	if named && len(names) != len(sig.params) {
		return nil, fmt.Errorf("%d parameter names for %d parameters", len(names), len(sig.params))
	}

	params := make([]server.Param, len(sig.params))
	for i, t := range sig.params {
		variadic := sig.variadic && i == len(sig.params)-1
		if variadic {
			t = t.Elem()
		}
		p := server.Param{Name: fmt.Sprintf("arg%d", i), Kind: paramKindOf(t), Variadic: variadic}
		if named {
			p.Name = names[i]
		}
		params[i] = p
	}
	return params, nil
}

// paramKindOf maps a declared Go parameter type to its wire treatment.
func paramKindOf(t reflect.Type) server.ParamKind {
	switch t {
	case callbackType:
		return server.KindCallback
	case timeType:
		return server.KindTime
	case bigIntType:
		return server.KindBigInt
	case readerType:
		return server.KindStream
	}
	switch t.Kind() {
	case reflect.String:
		return server.KindString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return server.KindInt
	case reflect.Float32, reflect.Float64:
		return server.KindFloat
	case reflect.Bool:
		return server.KindBool
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return server.KindBytes
		}
	}
	return server.KindValue
}

// =============================================================================
// Call Adaptation
// =============================================================================

// newAdapter wraps a bound Go method as an engine MethodFunc: it
// converts the bound argument slots to the method's parameter types,
// calls it and hands back the result.
func newAdapter(remote string, fn reflect.Value, sig *boundSig) server.MethodFunc {
	fixed := len(sig.params)
	if sig.variadic {
		fixed--
	}

	return func(c *server.CallContext, args []any) (any, error) {
		in := make([]reflect.Value, 0, 1+len(args))
		switch sig.ctxMode {
		case 1:
			in = append(in, reflect.ValueOf(c))
		case 2:
			in = append(in, reflect.ValueOf(c.Context()))
		}

		for i := 0; i < fixed; i++ {
			v, err := convertArg(remote, i, args[i], sig.params[i])
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}
		if sig.variadic {
			elem := sig.params[len(sig.params)-1].Elem()
			for j, raw := range args[fixed:] {
				v, err := convertArg(remote, fixed+j, raw, elem)
				if err != nil {
					return nil, err
				}
				in = append(in, v)
			}
		}

		out := fn.Call(in)
		errv := out[len(out)-1]
		if !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		if sig.hasResult {
			return out[0].Interface(), nil
		}
		return nil, nil
	}
}

// convertArg turns one bound argument slot into a reflect value of the
// declared parameter type. An absent argument and an explicit null both
// yield the zero value.
func convertArg(method string, idx int, raw any, t reflect.Type) (reflect.Value, error) {
	if _, absent := raw.(wire.Undefined); absent || raw == nil {
		return reflect.Zero(t), nil
	}

	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	switch rv.Kind() {
	case reflect.String:
		if t.Kind() == reflect.String {
			return rv.Convert(t), nil
		}
	case reflect.Int64:
		return convertInt(method, idx, rv.Int(), t)
	case reflect.Float64:
		if t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64 {
			return rv.Convert(t), nil
		}
	case reflect.Bool:
		if t.Kind() == reflect.Bool {
			return rv.Convert(t), nil
		}
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 && t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
			return rv.Convert(t), nil
		}
	}

	return convertTree(method, idx, raw, t)
}

// convertInt fits an int64 slot into any integer parameter type.
func convertInt(method string, idx int, v int64, t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if reflect.Zero(t).OverflowInt(v) {
			return reflect.Value{}, argumentError(method, idx, fmt.Sprintf("%d overflows %s", v, t))
		}
		return reflect.ValueOf(v).Convert(t), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v < 0 || reflect.Zero(t).OverflowUint(uint64(v)) {
			return reflect.Value{}, argumentError(method, idx, fmt.Sprintf("%d does not fit %s", v, t))
		}
		return reflect.ValueOf(v).Convert(t), nil
	}
	return reflect.Value{}, argumentError(method, idx, fmt.Sprintf("cannot use an integer as %s", t))
}

// convertTree decodes a tree-shaped argument into an arbitrary Go type
// through its JSON form.
func convertTree(method string, idx int, raw any, t reflect.Type) (reflect.Value, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return reflect.Value{}, &server.ArgumentError{
			Method:  method,
			Message: fmt.Sprintf("argument %d is not encodable", idx),
			Err:     err,
		}
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, &server.ArgumentError{
			Method:  method,
			Message: fmt.Sprintf("argument %d does not fit %s", idx, t),
			Err:     err,
		}
	}
	return ptr.Elem(), nil
}

func argumentError(method string, idx int, msg string) *server.ArgumentError {
	return &server.ArgumentError{Method: method, Message: fmt.Sprintf("argument %d: %s", idx, msg)}
}

// lowerFirst lowers the first rune: Lookup becomes lookup. Rename
// covers names this mangles, like ID.
func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
