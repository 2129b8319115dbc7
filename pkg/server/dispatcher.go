package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirecall-dev/wirecall/internal/diag"
	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/session"
	"github.com/wirecall-dev/wirecall/pkg/token"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// EngineVersion is reported through getWelcomeInfo.
const EngineVersion = "0.9.0"

// ProtocolVersion is the socket protocol revision this engine speaks.
const ProtocolVersion = "1.1"

// Options assemble an engine.
type Options struct {
	// Config tunes the engine. nil means DefaultConfig().
	Config *Config

	// Logger receives engine logs. nil means slog.Default().
	Logger *slog.Logger

	// Secrets seal every token the engine hands out, newest first. With
	// no secrets a random one is generated per process; sessions and
	// tokens then die with the process.
	Secrets []string

	// SessionStore persists committed sessions. nil yields a stateless
	// engine where the first session write fails.
	SessionStore session.SessionStore

	// SessionConfig tunes the cookie-session layer.
	SessionConfig session.ManagerConfig
}

// Engine is the call dispatcher: it owns the registered services, both
// transports, the security guard and the session layer. Register every
// service before serving; the security registry freezes on the first
// request.
type Engine struct {
	config   *Config
	logger   *slog.Logger
	box      *token.TokenBox
	sessions *session.Manager
	registry *security.Registry
	guard    *security.Guard
	bridge   *Bridge
	metrics  *MetricsCollector
	proxies  *proxyMatcher
	upgrader websocket.Upgrader

	mu              sync.RWMutex
	services        map[string]*Service
	groups          map[string]*security.Group
	sessionDefaults map[string]any
	fieldOwners     map[string]string

	startOnce sync.Once
	closed    atomic.Bool

	socketsMu sync.Mutex
	sockets   map[string]*SocketConnection
	socketWG  sync.WaitGroup
}

// NewEngine builds an engine from the given options.
func NewEngine(opts Options) (*Engine, error) {
	cfg := opts.Config.normalize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if len(opts.Secrets) == 0 {
		logger.Warn("no token secrets configured, sessions will not survive a restart")
	}
	box, err := token.New(opts.Secrets...)
	if err != nil {
		return nil, err
	}

	registry := security.NewRegistry()
	e := &Engine{
		config:          cfg,
		logger:          logger.With("component", "server"),
		box:             box,
		sessions:        session.NewManager(opts.SessionStore, box, opts.SessionConfig, logger),
		registry:        registry,
		guard:           security.NewGuard(registry, logger),
		metrics:         NewMetricsCollector(),
		proxies:         newProxyMatcher(cfg.TrustedProxies, logger),
		services:        make(map[string]*Service),
		groups:          make(map[string]*security.Group),
		sessionDefaults: make(map[string]any),
		fieldOwners:     make(map[string]string),
		sockets:         make(map[string]*SocketConnection),
	}
	e.bridge = newBridge(box, e.sessions)
	e.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		// Origins are not checked at the upgrade. A socket has no
		// authority until it installs a context token minted by the
		// HTTP plane, where the real checks run.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return e, nil
}

// AddService registers a service. Services sharing identical security
// options land in one security group. Fails once the engine served its
// first request.
func (e *Engine) AddService(svc *Service) error {
	if e.registry.Frozen() {
		return diag.New("W007")
	}
	group, err := e.registry.Group(svc.Security())
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	name := svc.Name()
	if _, dup := e.services[name]; dup {
		return diag.New("W004").WithDetailf("a service named %q is already registered", name)
	}
	for field, def := range svc.SessionDefaults() {
		if have, ok := e.sessionDefaults[field]; ok {
			if !wire.EqualValue(have, def) {
				return diag.New("W005").WithDetailf(
					"services %s and %s declare session field %q with different defaults",
					e.fieldOwners[field], name, field)
			}
			continue
		}
		e.sessionDefaults[field] = def
		e.fieldOwners[field] = name
	}
	e.services[name] = svc
	e.groups[name] = group
	e.logger.Info("service registered", "service", name, "group", group.ID())
	return nil
}

// Service returns a registered service by name, or nil.
func (e *Engine) Service(name string) *Service {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.services[name]
}

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *MetricsCollector { return e.metrics }

// Sessions exposes the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Logger returns the engine's base logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// groupFor returns the security group a service registered under.
func (e *Engine) groupFor(serviceName string) *security.Group {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.groups[serviceName]
}

// groupKey returns the key tokens and cached socket contexts are filed
// under: the security group id, or the service name when the strict
// per-service setting is on.
func (e *Engine) groupKey(serviceName string) string {
	if e.config.RequireAccessProofPerService {
		return "svc:" + serviceName
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if g := e.groups[serviceName]; g != nil {
		return g.ID()
	}
	return ""
}

func (e *Engine) start() {
	e.startOnce.Do(func() {
		e.registry.Freeze()
	})
}

// Shutdown closes every socket connection, waits for their loops and
// closes the session layer. Honors ctx for the wait.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.socketsMu.Lock()
	conns := make([]*SocketConnection, 0, len(e.sockets))
	for _, sc := range e.sockets {
		conns = append(conns, sc)
	}
	e.socketsMu.Unlock()
	for _, sc := range conns {
		sc.Close()
	}

	done := make(chan struct{})
	go func() {
		e.socketWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.sessions.Close()
}

func (e *Engine) addSocket(sc *SocketConnection) {
	e.socketsMu.Lock()
	e.sockets[sc.ID()] = sc
	e.socketsMu.Unlock()
	e.socketWG.Add(1)
	e.metrics.SocketOpened()
}

func (e *Engine) removeSocket(sc *SocketConnection) {
	e.socketsMu.Lock()
	delete(e.sockets, sc.ID())
	e.socketsMu.Unlock()
	e.socketWG.Done()
	e.metrics.SocketClosed()
}

// Handler returns the HTTP endpoint for one registered service. Mount
// it so that the method name is the first remaining path segment, for
// example with http.StripPrefix("/api/books", e.Handler("books")).
func (e *Engine) Handler(serviceName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.start()
		svc := e.Service(serviceName)
		if svc == nil {
			http.Error(w, "unknown service", http.StatusNotFound)
			return
		}
		e.serveCall(w, r, svc)
	})
}

// SocketHandler returns the WebSocket endpoint. One socket serves every
// registered service; each frame names its target service.
func (e *Engine) SocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.start()
		if e.closed.Load() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			e.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
			return
		}
		sc := newSocketConnection(e, conn)
		e.addSocket(sc)
		go sc.run()
	})
}

// callEnv bundles the per-request facts the internal endpoints need
// beyond the call context.
type callEnv struct {
	svc    *Service
	group  *security.Group
	key    string
	snap   *session.Snapshot
	props  *security.RequestProperties
	secure bool
}

// serveCall runs the full HTTP pipeline for one request: properties,
// CORS, method lookup, argument binding, guard, session view, method
// invocation, session commit, response.
func (e *Engine) serveCall(w http.ResponseWriter, r *http.Request, svc *Service) {
	if e.closed.Load() {
		writeError(w, NewCommunicationError(http.StatusServiceUnavailable, "server shutting down"), false, e.logger)
		return
	}
	e.metrics.RecordHTTPCall()
	e.metrics.CallStarted()
	defer e.metrics.CallFinished()

	secure := isRequestSecure(r, e.proxies)
	props, err := security.PropertiesFromRequest(r, secure)
	if err != nil {
		writeError(w, &ArgumentError{Message: err.Error(), Err: err}, e.config.ExposeErrors, e.logger)
		return
	}

	e.mu.RLock()
	group := e.groups[svc.Name()]
	e.mu.RUnlock()
	policy := group.Options().AllowedOrigins

	applyCORSHeaders(w, props, policy)
	if answerPreflight(w, r, props, policy) {
		return
	}

	name, pathArgs := splitCallPath(r.URL.Path)
	if name == "" {
		writeError(w, &MethodNotFoundError{Service: svc.Name(), Name: "(none)"}, e.config.ExposeErrors, e.logger)
		return
	}

	m, internal, err := e.lookupMethod(svc, name)
	if err != nil {
		e.metrics.RecordCallError()
		writeError(w, err, e.config.ExposeErrors, e.logger)
		return
	}

	// Browsers issue GETs outside any script control: link prefetch,
	// address-bar history, cache revalidation. Only methods marked safe
	// may answer them.
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && !m.Options.IsSafe {
		writeError(w, NewCommunicationError(http.StatusMethodNotAllowed,
			"method %q may have side effects and is not callable over GET; mark it safe if it is read-only", name),
			e.config.ExposeErrors, e.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, e.config.MaxBodySize)

	bound, err := collectHTTPArgs(r, m, pathArgs, e.config.WireLimits)
	if err != nil {
		e.metrics.RecordCallError()
		writeError(w, err, e.config.ExposeErrors, e.logger)
		return
	}
	if err := overlayMeta(props, &bound.meta); err != nil {
		e.metrics.RecordCallError()
		writeError(w, err, e.config.ExposeErrors, e.logger)
		return
	}

	cookieValue := ""
	if ck, cerr := r.Cookie(e.sessions.CookieName()); cerr == nil {
		cookieValue = ck.Value
	}
	snap, err := e.sessions.Resolve(r.Context(), cookieValue)
	if err != nil {
		e.logger.Error("session resolve failed", "error", err)
		writeError(w, diag.New("W082").Wrap(err), e.config.ExposeErrors, e.logger)
		return
	}

	key := e.groupKey(svc.Name())
	in := security.CheckInput{
		Props:   props,
		Session: sessionGuardState(snap, key),
		Group:   group,
		Method: security.MethodInfo{
			Name:             name,
			IsSafe:           m.Options.IsSafe,
			IsReadTokenFetch: internal != nil && name == MethodCorsReadToken,
		},
		DevMode: e.config.Development,
	}
	if err := e.guard.Check(in); err != nil {
		e.metrics.RecordDenial()
		writeError(w, err, e.config.ExposeErrors, e.logger)
		return
	}

	view := session.NewView(snap, e.mergedDefaults(), sessionAccessGate(e.guard, in))

	c := newCallContext(r.Context(), m)
	c.req = r
	c.res = w
	c.view = view
	c.group = group
	c.props = props
	defer c.invalidate()

	env := &callEnv{svc: svc, group: group, key: key, snap: snap, props: props, secure: secure}
	result, err := e.invoke(c, env, m, internal, bound.args)

	stampProtectionMode(view, in)
	commit, cerr := e.sessions.Commit(r.Context(), view)
	if cerr != nil {
		e.logger.Error("session commit failed", "error", cerr, "method", name)
		if err == nil {
			err = cerr
		}
	}
	if commit.Cookie != "" {
		e.setSessionCookie(w, commit.Cookie, secure)
		e.metrics.RecordSessionCommit()
	}
	if commit.Clear {
		e.clearSessionCookie(w, secure)
	}

	if err != nil {
		e.metrics.RecordCallError()
		var denied *security.DeniedError
		if errors.As(err, &denied) {
			e.metrics.RecordDenial()
		}
		writeError(w, err, e.config.ExposeErrors, e.logger)
		return
	}
	writeResult(w, c, result, e.config.WireLimits, e.logger)
}

// invoke runs validation hooks and the method itself, containing
// panics. internal is non-nil for engine endpoints.
func (e *Engine) invoke(c *CallContext, env *callEnv, m *Method, internal internalHandler, args []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("method panicked",
				"service", env.svc.Name(),
				"method", m.Name,
				"panic", rec,
				"stack", string(debug.Stack()))
			err = &MethodError{
				Service: env.svc.Name(),
				Method:  m.Name,
				Err:     fmt.Errorf("panic: %v", rec),
			}
			result = nil
		}
	}()

	if m.Options.ValidateArguments != nil {
		if verr := m.Options.ValidateArguments(args); verr != nil {
			return nil, &ArgumentError{Method: m.Name, Message: verr.Error(), Err: verr}
		}
	}

	if internal != nil {
		result, err = internal(e, env, c, args)
	} else {
		result, err = m.Fn(c, args)
	}
	if err != nil {
		return nil, wrapMethodError(env.svc.Name(), m.Name, err)
	}

	if m.Options.ValidateResult != nil {
		result, err = m.Options.ValidateResult(result)
		if err != nil {
			return nil, &MethodError{Service: env.svc.Name(), Method: m.Name, Err: err}
		}
	}
	return result, nil
}

// wrapMethodError keeps caller-fault error kinds as they are and wraps
// everything else with the method coordinates for the log.
func wrapMethodError(service, method string, err error) error {
	var (
		comm    *CommunicationError
		thrown  *ThrownValue
		argErr  *ArgumentError
		denied  *security.DeniedError
		diagErr *diag.Error
	)
	switch {
	case errors.As(err, &comm),
		errors.As(err, &thrown),
		errors.As(err, &argErr),
		errors.As(err, &denied),
		errors.As(err, &diagErr),
		errors.Is(err, ErrNotLoggedIn),
		errors.Is(err, ErrNoSecurityContext),
		errors.Is(err, ErrStreamOverSocket),
		errors.Is(err, session.ErrVersionConflict):
		return err
	}
	return &MethodError{Service: service, Method: method, Err: err}
}

// sessionAccessGate re-runs the guard when the call first touches the
// session. Session access never rides the safe-method concession, so a
// cross-site simple GET can reach a safe method but not the cookie
// state behind it.
func sessionAccessGate(guard *security.Guard, in security.CheckInput) session.AccessFunc {
	gated := in
	gated.Method.IsSafe = false
	var once sync.Once
	var gateErr error
	return func(write bool) error {
		once.Do(func() {
			gateErr = guard.Check(gated)
		})
		return gateErr
	}
}

// stampProtectionMode fixes the enforced mode on a session that is
// about to persist state without having committed to one. From then on
// requests under a different mode are rejected until the session is
// destroyed. A plain destroy stays unstamped so the commit clears the
// cookie instead of minting a session that holds nothing but a mode.
func stampProtectionMode(view *session.View, in security.CheckInput) {
	if view.Mode() != "" || !view.Changed() {
		return
	}
	if view.Destroyed() && !view.FreshlyWritten() {
		return
	}
	mode := security.EnforcedMode(in)
	if mode == security.ModeUnset {
		mode = security.ModePreflight
	}
	// The access gate already passed for the write that dirtied the
	// view, so fixing the mode cannot fail.
	_ = view.FixMode(string(mode))
}

// mergedDefaults snapshots the union of all declared session fields.
func (e *Engine) mergedDefaults() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.sessionDefaults) == 0 {
		return nil
	}
	out := make(map[string]any, len(e.sessionDefaults))
	for k, v := range e.sessionDefaults {
		out[k] = v
	}
	return out
}

// sessionGuardState projects a committed snapshot onto one group key
// for the guard.
func sessionGuardState(snap *session.Snapshot, key string) security.SessionState {
	if snap == nil {
		return security.SessionState{}
	}
	mode, err := security.ParseMode(snap.ProtectionMode)
	if err != nil {
		mode = security.ModeUnset
	}
	return security.SessionState{
		Mode:          mode,
		CsrfToken:     snap.CSRFTokens[key],
		CorsReadToken: snap.CorsReadTokens[key],
	}
}

// splitCallPath splits "/greet/world/42" into "greet" and the raw path
// arguments ["world", "42"].
func splitCallPath(p string) (name string, args []string) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	out := parts[:0]
	for _, seg := range parts {
		if seg != "" {
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "", nil
	}
	return out[0], out[1:]
}

// overlayMeta merges the mode and token declarations that traveled as
// query or body parameters into the header-derived properties. Header
// tokens win; a mode declared differently in two channels is an error.
func overlayMeta(props *security.RequestProperties, meta *metaParams) error {
	if meta.modeDeclared {
		mode, err := security.ParseMode(meta.mode)
		if err != nil {
			return &ArgumentError{Message: err.Error(), Err: err}
		}
		if props.DeclaredMode != security.ModeUnset && mode != security.ModeUnset && mode != props.DeclaredMode {
			return diag.New("W042").WithDetailf(
				"the %s header declares %q but the request parameters declare %q",
				security.HeaderMode, props.DeclaredMode, mode)
		}
		if mode != security.ModeUnset {
			props.DeclaredMode = mode
		}
	}
	if props.CsrfToken == "" {
		props.CsrfToken = meta.csrfToken
	}
	if props.CorsReadToken == "" {
		props.CorsReadToken = meta.corsReadToken
	}
	return nil
}

func (e *Engine) setSessionCookie(w http.ResponseWriter, value string, secure bool) {
	ck := &http.Cookie{
		Name:     e.sessions.CookieName(),
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(e.sessions.TTL() / time.Second),
	}
	// SameSite=None keeps legitimate cross-origin deployments working;
	// browsers require Secure with it, so plain HTTP falls back to Lax.
	if secure {
		ck.Secure = true
		ck.SameSite = http.SameSiteNoneMode
	} else {
		ck.SameSite = http.SameSiteLaxMode
	}
	http.SetCookie(w, ck)
}

func (e *Engine) clearSessionCookie(w http.ResponseWriter, secure bool) {
	ck := &http.Cookie{
		Name:     e.sessions.CookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	}
	if secure {
		ck.Secure = true
		ck.SameSite = http.SameSiteNoneMode
	} else {
		ck.SameSite = http.SameSiteLaxMode
	}
	http.SetCookie(w, ck)
}

// internalHandler is an engine-implemented endpoint. It dispatches like
// a method but never belongs to a service.
type internalHandler func(e *Engine, env *callEnv, c *CallContext, args []any) (any, error)

var (
	welcomeInfoMethod = &Method{
		Name:    MethodWelcomeInfo,
		Options: MethodOptions{IsSafe: true},
	}
	corsReadTokenMethod = &Method{
		Name:    MethodCorsReadToken,
		Options: MethodOptions{IsSafe: true},
	}
	csrfTokenMethod = &Method{
		Name:    MethodCsrfToken,
		Options: MethodOptions{IsSafe: true},
	}
	contextTokenMethod = &Method{
		Name:   MethodContextToken,
		Params: []Param{{Name: "socketId", Kind: KindString}},
	}
	sessionUpdateMethod = &Method{
		Name:   MethodSessionUpdate,
		Params: []Param{{Name: "sessionUpdateToken", Kind: KindString}},
	}
)

var internalEndpoints = map[string]struct {
	method  *Method
	handler internalHandler
}{
	MethodWelcomeInfo:   {welcomeInfoMethod, handleWelcomeInfo},
	MethodCorsReadToken: {corsReadTokenMethod, handleCorsReadToken},
	MethodCsrfToken:     {csrfTokenMethod, handleCsrfToken},
	MethodContextToken:  {contextTokenMethod, handleContextToken},
	MethodSessionUpdate: {sessionUpdateMethod, handleSessionUpdate},
}

// lookupMethod resolves a call target: an engine endpoint first, then
// the service's registered methods.
func (e *Engine) lookupMethod(svc *Service, name string) (*Method, internalHandler, error) {
	if ep, ok := internalEndpoints[name]; ok {
		return ep.method, ep.handler, nil
	}
	m, err := svc.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	return m, nil, nil
}

func handleWelcomeInfo(e *Engine, env *callEnv, c *CallContext, args []any) (any, error) {
	return map[string]any{
		"classId":         env.svc.Name(),
		"engineVersion":   "wirecall " + EngineVersion,
		"protocolVersion": ProtocolVersion,
	}, nil
}

// handleCorsReadToken mints or returns the caller's read token for the
// current group. Receiving the response at all is the proof: only a
// client the CORS rules let read gets the token into script.
func handleCorsReadToken(e *Engine, env *callEnv, c *CallContext, args []any) (any, error) {
	raw, err := c.Session().CorsReadToken(env.key)
	if err != nil {
		return nil, err
	}
	return security.ShieldToken(raw)
}

// handleCsrfToken hands out the session's csrf token. Foreign origins
// never get one; the token is the thing their requests lack.
func handleCsrfToken(e *Engine, env *callEnv, c *CallContext, args []any) (any, error) {
	if !env.props.SameOrigin() && !(e.config.Development && e.registry.DevSecurityDisabled()) {
		return nil, &security.DeniedError{Reason: "csrfToken requested from a foreign origin"}
	}
	raw, err := c.Session().CSRFToken(env.key)
	if err != nil {
		return nil, err
	}
	return security.ShieldToken(raw)
}

// handleContextToken seals this request's security context for one
// socket connection, named by its id.
func handleContextToken(e *Engine, env *callEnv, c *CallContext, args []any) (any, error) {
	if len(args) == 0 {
		return nil, argErrorf(MethodContextToken, "socketId is required")
	}
	socketID, _ := args[0].(string)
	if socketID == "" {
		return nil, argErrorf(MethodContextToken, "socketId must be a non-empty string")
	}

	props := env.props.Clone()
	if security.VerifyToken(props.CorsReadToken, sessionGuardState(env.snap, env.key).CorsReadToken) {
		props.ReadWasProven = true
	}
	return e.bridge.IssueContextToken(socketID, props, env.snap, []string{env.key})
}

// handleSessionUpdate lands a socket-produced session update on the
// store and refreshes the browser cookie.
func handleSessionUpdate(e *Engine, env *callEnv, c *CallContext, args []any) (any, error) {
	if len(args) == 0 {
		return nil, argErrorf(MethodSessionUpdate, "sessionUpdateToken is required")
	}
	sealed, _ := args[0].(string)
	if sealed == "" {
		return nil, argErrorf(MethodSessionUpdate, "sessionUpdateToken must be a non-empty string")
	}

	applied, err := e.bridge.ApplyUpdateToken(c.Context(), sealed)
	if err != nil {
		return nil, err
	}
	if res, rerr := c.Response(); rerr == nil {
		if applied.Clear {
			e.clearSessionCookie(res, env.secure)
		} else {
			e.setSessionCookie(res, applied.Cookie, env.secure)
			e.metrics.RecordSessionCommit()
		}
	}
	return nil, nil
}
