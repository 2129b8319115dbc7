package server

import (
	"sync"

	"github.com/wirecall-dev/wirecall/internal/diag"
	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/session"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// ParamKind tells the argument binder how to interpret a raw value for
// a parameter.
type ParamKind int

const (
	// KindValue accepts any extended JSON value unchanged.
	KindValue ParamKind = iota
	// KindString accepts strings.
	KindString
	// KindInt coerces to int64, accepting 0x-prefixed literals from
	// string channels.
	KindInt
	// KindFloat coerces to float64, accepting NaN and ±Infinity.
	KindFloat
	// KindBool accepts booleans and the literals "true"/"false".
	KindBool
	// KindTime accepts ISO-8601 timestamps and wire Dates.
	KindTime
	// KindBigInt accepts arbitrary-precision integers.
	KindBigInt
	// KindBytes buffers a binary body or multipart file part.
	KindBytes
	// KindStream delivers a binary part as a pull-read stream.
	KindStream
	// KindCallback accepts a client-held function by callback id.
	KindCallback
)

// IsBinary reports whether the kind is fed from a binary channel.
func (k ParamKind) IsBinary() bool { return k == KindBytes || k == KindStream }

// Param describes one parameter of a remote method.
type Param struct {
	Name     string
	Kind     ParamKind
	Variadic bool
}

// MethodFunc is the engine-facing form of a remote method. args follow
// the declared parameter order, one slot per parameter; an argument the
// caller never supplied arrives as wire.Undefined.
type MethodFunc func(ctx *CallContext, args []any) (any, error)

// MethodOptions are the per-method flags and hooks. A nil options
// argument at registration means the service defaults.
type MethodOptions struct {
	// IsSafe marks the method read-only; only safe methods are callable
	// through a cross-site simple GET.
	IsSafe bool

	// TrimArguments drops unknown named parameters instead of failing.
	TrimArguments bool

	// TrimResult, when a validation schema is attached, strips result
	// fields the schema does not know.
	TrimResult bool

	// ValidateArguments runs after binding, before invocation.
	ValidateArguments func(args []any) error

	// ValidateResult runs on the method result before serialization.
	ValidateResult func(result any) (any, error)

	// ValidateCallbackArguments runs on arguments sent to a client
	// callback.
	ValidateCallbackArguments func(args []any) error

	// ValidateCallbackResult runs on a callback result before it is
	// handed to method code.
	ValidateCallbackResult func(result any) (any, error)
}

// Method is one registered remote method.
type Method struct {
	Service *Service
	Name    string
	Params  []Param
	Fn      MethodFunc
	Options MethodOptions
}

// HasBinaryParams reports whether any parameter reads from a binary
// channel. Multipart bodies are only parsed for services where at least
// one method answers true.
func (m *Method) HasBinaryParams() bool {
	for _, p := range m.Params {
		if p.Kind.IsBinary() {
			return true
		}
	}
	return false
}

// paramIndex returns the position of a named parameter, or -1.
func (m *Method) paramIndex(name string) int {
	for i, p := range m.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// reservedNames are identifiers the engine keeps for itself. They can
// never be registered and probing them over HTTP answers 400, not 404.
var reservedNames = map[string]struct{}{
	"doCall":            {},
	"validateCall":      {},
	"req":               {},
	"res":               {},
	"session":           {},
	"get":               {},
	"set":               {},
	MethodWelcomeInfo:   {},
	MethodCorsReadToken: {},
	MethodCsrfToken:     {},
	MethodContextToken:  {},
	MethodSessionUpdate: {},
}

// Engine-internal endpoint names. They dispatch like methods but are
// implemented by the engine itself.
const (
	MethodWelcomeInfo   = "getWelcomeInfo"
	MethodCorsReadToken = "getCorsReadToken"
	MethodCsrfToken     = "getCsrfToken"
	MethodContextToken  = "getHttpContextToken"
	MethodSessionUpdate = "updateCookieSession"
)

// IsReservedName reports whether name is claimed by the engine.
func IsReservedName(name string) bool {
	_, ok := reservedNames[name]
	return ok
}

// Service is one registered remote service: a named set of methods
// sharing security options and session field declarations.
type Service struct {
	mu sync.RWMutex

	name     string
	security security.Options
	defaults MethodOptions

	methods  map[string]*Method
	local    map[string]struct{}
	sessions map[string]any

	multipart bool
}

// ServiceOption adjusts a service at construction.
type ServiceOption func(*Service)

// WithSecurity sets the service security options. Services with
// identical options end up in one security group.
func WithSecurity(opts security.Options) ServiceOption {
	return func(s *Service) { s.security = opts }
}

// WithMethodDefaults sets the options methods inherit when registered
// without their own.
func WithMethodDefaults(defaults MethodOptions) ServiceOption {
	return func(s *Service) { s.defaults = defaults }
}

// NewService creates an empty service.
func NewService(name string, opts ...ServiceOption) *Service {
	s := &Service{
		name:     name,
		methods:  make(map[string]*Method),
		local:    make(map[string]struct{}),
		sessions: make(map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name, which doubles as its wire id.
func (s *Service) Name() string { return s.name }

// Security returns the service security options.
func (s *Service) Security() security.Options { return s.security }

// AcceptsMultipart reports whether any method declared a binary
// parameter. Without it, multipart bodies are rejected unparsed.
func (s *Service) AcceptsMultipart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.multipart
}

// Register adds a remote method. Explicit registration is the remote
// marker: nothing is callable without it, and registration never
// carries over from another service. opts nil means the service
// defaults.
func (s *Service) Register(name string, fn MethodFunc, params []Param, opts *MethodOptions) (*Method, error) {
	if IsReservedName(name) {
		return nil, diag.New("W001").WithDetailf("%q collides with an engine identifier", name)
	}
	effective := s.defaults
	if opts != nil {
		effective = *opts
	}
	m := &Method{
		Service: s,
		Name:    name,
		Params:  params,
		Fn:      fn,
		Options: effective,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		return nil, diag.New("W004").WithDetailf("method %q is already registered on service %q", name, s.name)
	}
	s.methods[name] = m
	delete(s.local, name)
	if m.HasBinaryParams() {
		s.multipart = true
	}
	return m, nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (s *Service) MustRegister(name string, fn MethodFunc, params []Param, opts *MethodOptions) *Method {
	m, err := s.Register(name, fn, params, opts)
	if err != nil {
		panic(err)
	}
	return m
}

// NoteLocal records a name that exists on the implementing type but is
// not remote. Lookups of such names fail with a message that points at
// the missing marker instead of a plain miss.
func (s *Service) NoteLocal(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, remote := s.methods[name]; remote {
		return
	}
	s.local[name] = struct{}{}
}

// Lookup resolves a method name. The error is always a
// *MethodNotFoundError distinguishing reserved names, known-but-local
// names, and plain misses.
func (s *Service) Lookup(name string) (*Method, error) {
	if IsReservedName(name) {
		return nil, &MethodNotFoundError{Service: s.name, Name: name, Reason: LookupReserved}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.methods[name]; ok {
		return m, nil
	}
	if _, ok := s.local[name]; ok {
		return nil, &MethodNotFoundError{Service: s.name, Name: name, Reason: LookupNotRemote}
	}
	return nil, &MethodNotFoundError{Service: s.name, Name: name, Reason: LookupUnknown}
}

// Methods returns the registered methods, for diagnostics.
func (s *Service) Methods() []*Method {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Method, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m)
	}
	return out
}

// DeclareSessionField registers a session field with its default. The
// default is produced by a factory so every call gets a private copy;
// the factory must be deterministic, which is checked by evaluating it
// twice at declaration time.
func (s *Service) DeclareSessionField(name string, def func() any) error {
	if session.IsReservedKey(name) {
		return diag.Newf(diag.CategoryRegistration, "session field %q collides with an engine session key", name)
	}
	first, err := wire.Normalize(def())
	if err != nil {
		return diag.New("W005").WithDetailf("default for field %q does not fit the wire model: %v", name, err)
	}
	second, err := wire.Normalize(def())
	if err != nil {
		return diag.New("W005").WithDetailf("default for field %q does not fit the wire model: %v", name, err)
	}
	if !wire.EqualValue(first, second) {
		return diag.New("W006").WithDetailf("field %q: two evaluations of the default produced different values", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[name]; ok && !wire.EqualValue(existing, first) {
		return diag.New("W005").WithDetailf("field %q is already declared on service %q with a different default", name, s.name)
	}
	s.sessions[name] = first
	return nil
}

// SessionDefaults returns a copy of the declared field defaults.
func (s *Service) SessionDefaults() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = wire.CloneValue(v)
	}
	return out
}
