package wiretest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wirecall-dev/wirecall"
	"github.com/wirecall-dev/wirecall/pkg/client"
	"github.com/wirecall-dev/wirecall/pkg/session"
)

// Server hosts a real engine behind an httptest listener. Calls made
// through it share one cookie jar, so session state carries across
// calls the way it does for a browser tab.
type Server struct {
	tb    testing.TB
	cfg   wirecall.Config
	store session.SessionStore
	http  *httptest.Server
	log   *slog.Logger

	app   atomic.Pointer[wirecall.App]
	binds []bindCall

	jarClient *http.Client

	mu          sync.Mutex
	httpClients map[string]*client.Client
}

type bindCall struct {
	name string
	impl any
	opts []wirecall.BindOption
}

// Option adjusts the server configuration before the engine is built.
type Option func(*wirecall.Config)

// WithSecrets replaces the default test secret.
func WithSecrets(secrets ...string) Option {
	return func(c *wirecall.Config) { c.Secrets = secrets }
}

// WithStore backs sessions with the given store instead of a fresh
// in-memory one. Pair with NewRecordingStore to observe commits.
func WithStore(store session.SessionStore) Option {
	return func(c *wirecall.Config) { c.Session.Store = store }
}

// WithDevelopment opts every bound service into the development
// security bypass.
func WithDevelopment() Option {
	return func(c *wirecall.Config) { c.Development = true }
}

// WithConfig applies an arbitrary configuration edit.
func WithConfig(fn func(*wirecall.Config)) Option {
	return func(c *wirecall.Config) { fn(c) }
}

// NewServer builds an app with a fixed test secret and a shared store,
// and serves it on a loopback listener. Everything is torn down
// through tb.Cleanup.
func NewServer(tb testing.TB, opts ...Option) *Server {
	tb.Helper()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := wirecall.Config{
		Secrets: []string{"wiretest-secret"},
		Logger:  quiet,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	store := cfg.Session.Store
	if store == nil {
		store = session.NewMemoryStore()
	}
	// The engine closes its store on Shutdown. SimulateRestart needs
	// the store to outlive individual engines, so each engine gets a
	// wrapper whose Close is a no-op and the Server closes the real
	// store last.
	cfg.Session.Store = keepOpenStore{store}

	s := &Server{
		tb:          tb,
		cfg:         cfg,
		store:       store,
		log:         quiet,
		httpClients: make(map[string]*client.Client),
	}

	app, err := wirecall.New(cfg)
	if err != nil {
		tb.Fatalf("wiretest: building app: %v", err)
	}
	s.cfg = app.Config()
	s.app.Store(app)

	s.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.app.Load().ServeHTTP(w, r)
	}))

	jar, err := cookiejar.New(nil)
	if err != nil {
		tb.Fatalf("wiretest: cookie jar: %v", err)
	}
	s.jarClient = &http.Client{Jar: jar}

	tb.Cleanup(func() {
		s.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.app.Load().Shutdown(ctx)
		_ = store.Close()
	})
	return s
}

// Bind registers a service on the engine. Bind everything before the
// first call; the registry freezes once traffic starts.
func (s *Server) Bind(name string, impl any, opts ...wirecall.BindOption) {
	s.tb.Helper()
	if _, err := s.app.Load().Bind(name, impl, opts...); err != nil {
		s.tb.Fatalf("wiretest: binding %s: %v", name, err)
	}
	s.binds = append(s.binds, bindCall{name: name, impl: impl, opts: opts})
}

// App returns the engine currently serving requests.
func (s *Server) App() *wirecall.App {
	return s.app.Load()
}

// Store returns the session store shared across restarts.
func (s *Server) Store() session.SessionStore {
	return s.store
}

// BaseURL returns the listener's origin, e.g. http://127.0.0.1:37521.
func (s *Server) BaseURL() string {
	return s.http.URL
}

// URL returns the mount point of a service.
func (s *Server) URL(service string) string {
	return s.http.URL + s.cfg.BasePath + "/" + service
}

// Call invokes a method over the HTTP plane using the shared cookie
// jar. args marshal as the call's argument list; out receives the
// decoded result and may be nil.
func (s *Server) Call(service, method string, out any, args ...any) error {
	return s.serviceClient(service).Call(context.Background(), method, out, args...)
}

// Client opens a fresh socket-capable client for the service. Each
// call gets its own connection, so tests can hold several at once.
// The client is closed through tb.Cleanup.
func (s *Server) Client(service string) *client.Client {
	s.tb.Helper()
	c, err := client.New(s.URL(service), client.Options{Logger: s.log})
	if err != nil {
		s.tb.Fatalf("wiretest: client for %s: %v", service, err)
	}
	s.tb.Cleanup(func() { _ = c.Close() })
	return c
}

// serviceClient returns the cached HTTP-plane client for a service.
func (s *Server) serviceClient(service string) *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.httpClients[service]; ok {
		return c
	}
	c, err := client.New(s.URL(service), client.Options{
		HTTPClient:    s.jarClient,
		Logger:        s.log,
		DisableSocket: true,
	})
	if err != nil {
		s.tb.Fatalf("wiretest: client for %s: %v", service, err)
	}
	s.tb.Cleanup(func() { _ = c.Close() })
	s.httpClients[service] = c
	return c
}

// CallBuilder assembles one raw HTTP request against a method. Use it
// to exercise path arguments, query arguments, custom headers and
// hand-rolled bodies; Call covers the common case.
type CallBuilder struct {
	s        *Server
	service  string
	method   string
	args     []any
	pathArgs []string
	query    url.Values
	header   http.Header
	rawBody  []byte
	rawType  string
	noJar    bool
}

// Request starts a builder for service/method.
//
// Example:
//
//	resp := srv.Request("shelf", "getBook").WithPathArgs("b0001").Get()
//	wiretest.ExpectStatus(t, resp, 200)
func (s *Server) Request(service, method string) *CallBuilder {
	return &CallBuilder{
		s:       s,
		service: service,
		method:  method,
		query:   url.Values{},
		header:  http.Header{},
	}
}

// WithArgs appends body arguments, sent as a JSON array on POST.
func (b *CallBuilder) WithArgs(args ...any) *CallBuilder {
	b.args = append(b.args, args...)
	return b
}

// WithPathArgs appends positional arguments as path segments.
func (b *CallBuilder) WithPathArgs(segments ...string) *CallBuilder {
	b.pathArgs = append(b.pathArgs, segments...)
	return b
}

// WithQuery adds one query parameter.
func (b *CallBuilder) WithQuery(key, value string) *CallBuilder {
	b.query.Add(key, value)
	return b
}

// WithHeader sets one request header, overriding any default.
func (b *CallBuilder) WithHeader(key, value string) *CallBuilder {
	b.header.Set(key, value)
	return b
}

// WithRawBody sends body verbatim with the given content type,
// bypassing argument marshaling.
func (b *CallBuilder) WithRawBody(contentType string, body []byte) *CallBuilder {
	b.rawType = contentType
	b.rawBody = body
	return b
}

// WithoutCookies sends the request outside the shared jar, like a
// first-time visitor.
func (b *CallBuilder) WithoutCookies() *CallBuilder {
	b.noJar = true
	return b
}

// Get sends the request as a GET.
func (b *CallBuilder) Get() *http.Response {
	return b.do(http.MethodGet)
}

// Post sends the request as a POST.
func (b *CallBuilder) Post() *http.Response {
	return b.do(http.MethodPost)
}

// Do sends the request with an arbitrary HTTP method.
func (b *CallBuilder) Do(httpMethod string) *http.Response {
	return b.do(httpMethod)
}

func (b *CallBuilder) do(httpMethod string) *http.Response {
	b.s.tb.Helper()

	u := b.s.URL(b.service) + "/" + url.PathEscape(b.method)
	for _, seg := range b.pathArgs {
		u += "/" + url.PathEscape(seg)
	}
	if len(b.query) > 0 {
		u += "?" + b.query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case b.rawBody != nil:
		body = bytes.NewReader(b.rawBody)
		contentType = b.rawType
	case len(b.args) > 0:
		data, err := json.Marshal(b.args)
		if err != nil {
			b.s.tb.Fatalf("wiretest: marshaling args: %v", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequest(httpMethod, u, body)
	if err != nil {
		b.s.tb.Fatalf("wiretest: building request: %v", err)
	}
	for key, vals := range b.header {
		req.Header[key] = vals
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	hc := b.s.jarClient
	if b.noJar {
		hc = &http.Client{}
	}
	resp, err := hc.Do(req)
	if err != nil {
		b.s.tb.Fatalf("wiretest: %s %s: %v", httpMethod, u, err)
	}
	b.s.tb.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ExpectStatus fails the test when the response status differs,
// including a body snippet in the failure.
func ExpectStatus(tb testing.TB, resp *http.Response, want int) {
	tb.Helper()
	if resp.StatusCode == want {
		return
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	tb.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, snippet)
}

// DecodeJSON decodes the response body into out and closes it.
func DecodeJSON(tb testing.TB, resp *http.Response, out any) {
	tb.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		tb.Fatalf("decoding response: %v", err)
	}
}

// ExpectThrown unwraps the value a method threw, failing the test when
// err is anything else.
func ExpectThrown(tb testing.TB, err error) any {
	tb.Helper()
	var thrown *client.ThrownError
	if !errors.As(err, &thrown) {
		tb.Fatalf("error = %v, want a thrown value", err)
	}
	return thrown.Value
}

// ExpectRemote unwraps a remote call error, optionally checking the
// HTTP status it arrived with. Pass 0 to skip the status check.
func ExpectRemote(tb testing.TB, err error, wantStatus int) *client.RemoteError {
	tb.Helper()
	var remote *client.RemoteError
	if !errors.As(err, &remote) {
		tb.Fatalf("error = %v, want a remote error", err)
	}
	if wantStatus != 0 && remote.Status != wantStatus {
		tb.Fatalf("remote status = %d, want %d", remote.Status, wantStatus)
	}
	return remote
}
