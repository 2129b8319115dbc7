package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/server"
	"github.com/wirecall-dev/wirecall/pkg/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shelfState is shared by the subscribe and notify methods so tests can
// drive a server-held callback from a second call.
type shelfState struct {
	mu sync.Mutex
	cb *server.Callback
}

// rig stands up a real engine behind an httptest server and a Client
// pointed at it. It counts requests per path and keeps the last headers
// seen, so tests can assert on transport behavior.
type rig struct {
	t      *testing.T
	mux    *http.ServeMux
	srv    *httptest.Server
	client *Client

	broken atomic.Bool

	mu      sync.Mutex
	counts  map[string]int
	headers map[string]http.Header
}

func (rg *rig) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rg.mu.Lock()
	rg.counts[r.URL.Path]++
	rg.headers[r.URL.Path] = r.Header.Clone()
	rg.mu.Unlock()
	if rg.broken.Load() {
		http.Error(w, "induced failure", http.StatusInternalServerError)
		return
	}
	rg.mux.ServeHTTP(w, r)
}

func (rg *rig) count(path string) int {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.counts[path]
}

func (rg *rig) header(path string) http.Header {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	h := rg.headers[path]
	if h == nil {
		h = http.Header{}
	}
	return h
}

func newRig(t *testing.T) (*rig, *shelfState) {
	t.Helper()
	e, err := server.NewEngine(server.Options{
		Logger:       quietLogger(),
		Secrets:      []string{"client-test-secret"},
		SessionStore: session.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	state := &shelfState{}
	svc := server.NewService("shelf")
	svc.MustRegister("lookup",
		func(c *server.CallContext, args []any) (any, error) {
			return map[string]any{"title": args[0], "edition": args[1]}, nil
		},
		[]server.Param{
			{Name: "title", Kind: server.KindString},
			{Name: "edition", Kind: server.KindInt},
		}, &server.MethodOptions{IsSafe: true})
	svc.MustRegister("remember",
		func(c *server.CallContext, args []any) (any, error) {
			return nil, c.Session().Set("favorite", args[0])
		},
		[]server.Param{{Name: "title", Kind: server.KindString}}, nil)
	svc.MustRegister("favorite",
		func(c *server.CallContext, args []any) (any, error) {
			return c.Session().Get("favorite")
		},
		nil, &server.MethodOptions{IsSafe: true})
	svc.MustRegister("cover",
		func(c *server.CallContext, args []any) (any, error) {
			return []byte{0x89, 'P', 'N', 'G'}, nil
		},
		nil, nil)
	svc.MustRegister("throws",
		func(c *server.CallContext, args []any) (any, error) {
			return nil, server.Throw(map[string]any{"code": "OUT_OF_STOCK"})
		},
		nil, nil)
	svc.MustRegister("boom",
		func(c *server.CallContext, args []any) (any, error) {
			return nil, errors.New("the shelf collapsed")
		},
		nil, nil)
	svc.MustRegister("nap",
		func(c *server.CallContext, args []any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "rested", nil
		},
		nil, nil)
	svc.MustRegister("subscribe",
		func(c *server.CallContext, args []any) (any, error) {
			cb, ok := args[0].(*server.Callback)
			if !ok {
				return nil, fmt.Errorf("fn did not bind, got %T", args[0])
			}
			state.mu.Lock()
			state.cb = cb
			state.mu.Unlock()
			return nil, nil
		},
		[]server.Param{{Name: "fn", Kind: server.KindCallback}}, nil)
	svc.MustRegister("notify",
		func(c *server.CallContext, args []any) (any, error) {
			state.mu.Lock()
			cb := state.cb
			state.mu.Unlock()
			if cb == nil {
				return nil, errors.New("nothing subscribed")
			}
			res, err := cb.Invoke(c.Context(), "ping")
			if err != nil {
				return map[string]any{"error": err.Error()}, nil
			}
			return res, nil
		},
		nil, nil)
	if err := e.AddService(svc); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/shelf/", http.StripPrefix("/api/shelf", e.Handler("shelf")))
	mux.Handle("/ws", e.SocketHandler())

	rg := &rig{t: t, mux: mux, counts: make(map[string]int), headers: make(map[string]http.Header)}
	rg.srv = httptest.NewServer(rg)
	t.Cleanup(rg.srv.Close)

	c, err := New(rg.srv.URL+"/api/shelf", Options{
		Logger:    quietLogger(),
		SocketURL: "ws" + strings.TrimPrefix(rg.srv.URL, "http") + "/ws",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	rg.client = c
	return rg, state
}

func TestCallOverSocket(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	var out map[string]any
	if err := rg.client.Call(ctx, "lookup", &out, "Dune", 2); err != nil {
		t.Fatalf("Call(lookup) = %v", err)
	}
	if out["title"] != "Dune" {
		t.Errorf("title = %v, want Dune", out["title"])
	}
	if out["edition"] != float64(2) {
		t.Errorf("edition = %v (%T), want 2", out["edition"], out["edition"])
	}
}

func TestCallHTTP(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	var out map[string]any
	if err := rg.client.CallHTTP(ctx, "lookup", &out, "Dune", 2); err != nil {
		t.Fatalf("CallHTTP(lookup) = %v", err)
	}
	if out["title"] != "Dune" || out["edition"] != float64(2) {
		t.Errorf("lookup = %v, want title Dune edition 2", out)
	}
	if n := rg.count("/ws"); n != 0 {
		t.Errorf("socket upgrades during an http call = %d, want 0", n)
	}

	var raw []byte
	if err := rg.client.CallHTTP(ctx, "cover", &raw); err != nil {
		t.Fatalf("CallHTTP(cover) = %v", err)
	}
	if len(raw) != 4 || raw[1] != 'P' {
		t.Errorf("cover bytes = %v, want the png magic", raw)
	}

	h := rg.header("/api/shelf/lookup")
	if got := h.Get(security.HeaderMode); got != string(security.ModePreflight) {
		t.Errorf("declared mode header = %q, want preflight", got)
	}
}

func TestSessionTravelsBothPlanes(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	if err := rg.client.Call(ctx, "remember", nil, "Dune"); err != nil {
		t.Fatalf("Call(remember) = %v", err)
	}

	var got any
	if err := rg.client.Call(ctx, "favorite", &got); err != nil {
		t.Fatalf("Call(favorite) = %v", err)
	}
	if got != "Dune" {
		t.Errorf("favorite over the socket = %v, want Dune", got)
	}

	got = nil
	if err := rg.client.CallHTTP(ctx, "favorite", &got); err != nil {
		t.Fatalf("CallHTTP(favorite) = %v", err)
	}
	if got != "Dune" {
		t.Errorf("favorite over http = %v, want Dune", got)
	}
}

func TestThrownValue(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	check := func(transport string, err error) {
		t.Helper()
		var thrown *ThrownError
		if !errors.As(err, &thrown) {
			t.Fatalf("%s throws = %v, want *ThrownError", transport, err)
		}
		m, _ := thrown.Value.(map[string]any)
		if m["code"] != "OUT_OF_STOCK" {
			t.Errorf("%s thrown value = %v, want code OUT_OF_STOCK", transport, thrown.Value)
		}
	}

	check("socket", rg.client.Call(ctx, "throws", nil))
	check("http", rg.client.CallHTTP(ctx, "throws", nil))
}

func TestRemoteErrorKeepsNameAndStatus(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	check := func(transport string, err error) {
		t.Helper()
		var remote *RemoteError
		if !errors.As(err, &remote) {
			t.Fatalf("%s boom = %v, want *RemoteError", transport, err)
		}
		if remote.Name != "ServerError" {
			t.Errorf("%s error name = %q, want ServerError", transport, remote.Name)
		}
		if remote.Status != 500 {
			t.Errorf("%s error status = %d, want 500", transport, remote.Status)
		}
		if strings.Contains(remote.Message, "collapsed") {
			t.Errorf("%s leaked the internal error text: %q", transport, remote.Message)
		}
	}

	check("socket", rg.client.Call(ctx, "boom", nil))
	check("http", rg.client.CallHTTP(ctx, "boom", nil))
}

func TestCallbackRoundTrip(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	calls := make(chan []any, 1)
	f := rg.client.NewFunc(func(ctx context.Context, args []any) (any, error) {
		calls <- args
		return "pong", nil
	})
	defer f.Free()

	if err := rg.client.Call(ctx, "subscribe", nil, f); err != nil {
		t.Fatalf("Call(subscribe) = %v", err)
	}
	var out any
	if err := rg.client.Call(ctx, "notify", &out); err != nil {
		t.Fatalf("Call(notify) = %v", err)
	}
	if out != "pong" {
		t.Errorf("notify relayed %v, want pong", out)
	}
	select {
	case got := <-calls:
		if len(got) != 1 || got[0] != "ping" {
			t.Errorf("callback args = %v, want [ping]", got)
		}
	default:
		t.Errorf("callback never ran")
	}
}

func TestFreedCallbackDropsServerStub(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	f := rg.client.NewFunc(func(ctx context.Context, args []any) (any, error) {
		return "pong", nil
	})
	if err := rg.client.Call(ctx, "subscribe", nil, f); err != nil {
		t.Fatalf("Call(subscribe) = %v", err)
	}
	var out any
	if err := rg.client.Call(ctx, "notify", &out); err != nil {
		t.Fatalf("Call(notify) = %v", err)
	}
	if out != "pong" {
		t.Fatalf("notify before freeing = %v, want pong", out)
	}

	f.Free()

	// The next call flushes the freed batch ahead of itself, so the
	// server drops the stub before notify runs.
	out = nil
	if err := rg.client.Call(ctx, "notify", &out); err != nil {
		t.Fatalf("Call(notify) after free = %v", err)
	}
	m, _ := out.(map[string]any)
	msg, _ := m["error"].(string)
	if !strings.Contains(msg, "freed") {
		t.Errorf("notify after free = %v, want a freed-callback error", out)
	}
}

func TestConnectionSharedAndReopened(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		var out any
		if err := rg.client.Call(ctx, "lookup", &out, "Dune", i); err != nil {
			t.Fatalf("Call %d = %v", i, err)
		}
	}
	if n := rg.count("/ws"); n != 1 {
		t.Fatalf("socket upgrades after two calls = %d, want 1", n)
	}

	// Kill the connection while a call is in flight; the retry dials a
	// second connection and runs the call again.
	done := make(chan error, 1)
	go func() {
		var out any
		done <- rg.client.Call(ctx, "nap", &out)
	}()
	time.Sleep(10 * time.Millisecond)
	if cn := rg.client.currentConn(); cn != nil {
		cn.fail(fmt.Errorf("%w: induced", ErrConnectionLost))
	}
	if err := <-done; err != nil {
		t.Fatalf("call across a dying connection = %v, want success via retry", err)
	}
	if n := rg.count("/ws"); n != 2 {
		t.Errorf("socket upgrades after reconnect = %d, want 2", n)
	}
}

func TestConcurrentCalls(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	const n = 5
	errs := make([]error, n)
	outs := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = rg.client.Call(ctx, "lookup", &outs[i], "Dune", i)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d = %v", i, errs[i])
		}
		m, _ := outs[i].(map[string]any)
		if m["edition"] != float64(i) {
			t.Errorf("call %d got edition %v, want %d", i, m["edition"], i)
		}
	}
	if upgrades := rg.count("/ws"); upgrades != 1 {
		t.Errorf("socket upgrades = %d, want 1 shared connection", upgrades)
	}
}

func TestWelcomeInfoCachedSingleFetch(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		info, err := rg.client.WelcomeInfo(ctx)
		if err != nil {
			t.Fatalf("WelcomeInfo %d = %v", i, err)
		}
		if info["classId"] != "shelf" {
			t.Errorf("classId = %v, want shelf", info["classId"])
		}
	}
	if n := rg.count("/api/shelf/getWelcomeInfo"); n != 1 {
		t.Errorf("welcome info fetches = %d, want 1", n)
	}
}

func TestWelcomeInfoFailureNotCached(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	rg.broken.Store(true)
	if _, err := rg.client.WelcomeInfo(ctx); err == nil {
		t.Fatalf("WelcomeInfo while broken = nil, want error")
	}
	rg.broken.Store(false)

	info, err := rg.client.WelcomeInfo(ctx)
	if err != nil {
		t.Fatalf("WelcomeInfo after recovery = %v", err)
	}
	if info["classId"] != "shelf" {
		t.Errorf("classId = %v, want shelf", info["classId"])
	}
	if n := rg.count("/api/shelf/getWelcomeInfo"); n != 2 {
		t.Errorf("welcome info fetches = %d, want 2", n)
	}
}

func TestCorsReadTokenCachedAndSent(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	tok, err := rg.client.CorsReadToken(ctx)
	if err != nil {
		t.Fatalf("CorsReadToken = %v", err)
	}
	if tok == "" {
		t.Fatalf("CorsReadToken = empty")
	}
	again, err := rg.client.CorsReadToken(ctx)
	if err != nil {
		t.Fatalf("CorsReadToken again = %v", err)
	}
	if again != tok {
		t.Errorf("second token %q differs from first %q", again, tok)
	}
	if n := rg.count("/api/shelf/getCorsReadToken"); n != 1 {
		t.Errorf("read token fetches = %d, want 1", n)
	}

	var out any
	if err := rg.client.CallHTTP(ctx, "favorite", &out); err != nil {
		t.Fatalf("CallHTTP(favorite) = %v", err)
	}
	h := rg.header("/api/shelf/favorite")
	if got := h.Get(security.HeaderCorsReadToken); got != tok {
		t.Errorf("read token header = %q, want the cached token", got)
	}
}

func TestCallAfterClose(t *testing.T) {
	rg, _ := newRig(t)
	ctx := context.Background()

	var out any
	if err := rg.client.Call(ctx, "lookup", &out, "Dune", 1); err != nil {
		t.Fatalf("Call before close = %v", err)
	}
	if err := rg.client.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	if err := rg.client.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := rg.client.Call(ctx, "lookup", nil, "Dune", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after close = %v, want ErrClosed", err)
	}
	if err := rg.client.CallHTTP(ctx, "lookup", nil, "Dune", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("CallHTTP after close = %v, want ErrClosed", err)
	}
	if _, err := rg.client.WelcomeInfo(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("WelcomeInfo after close = %v, want ErrClosed", err)
	}
}

func TestNewValidatesServiceURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"plain http", "http://example.com/api/shelf", true},
		{"https", "https://example.com/shelf", true},
		{"trailing slash", "http://example.com/api/shelf/", true},
		{"no scheme", "example.com/api/shelf", false},
		{"ftp", "ftp://example.com/shelf", false},
		{"no path", "http://example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.url, Options{})
			if (err == nil) != tt.ok {
				t.Errorf("New(%q) error = %v, want ok=%v", tt.url, err, tt.ok)
			}
		})
	}
}

func TestNewDerivesServiceAndSocket(t *testing.T) {
	c, err := New("https://books.example.com/api/shelf/", Options{})
	if err != nil {
		t.Fatalf("New = %v", err)
	}
	if c.service != "shelf" {
		t.Errorf("service = %q, want shelf", c.service)
	}
	if c.socketURL != "wss://books.example.com/ws" {
		t.Errorf("socketURL = %q, want wss://books.example.com/ws", c.socketURL)
	}

	c2, err := New("http://books.example.com/api/shelf", Options{})
	if err != nil {
		t.Fatalf("New = %v", err)
	}
	if c2.socketURL != "ws://books.example.com/ws" {
		t.Errorf("socketURL = %q, want ws://books.example.com/ws", c2.socketURL)
	}
}

func TestEncodeArgsReplacesFuncs(t *testing.T) {
	c, err := New("http://example.com/shelf", Options{})
	if err != nil {
		t.Fatalf("New = %v", err)
	}
	f := c.NewFunc(func(ctx context.Context, args []any) (any, error) { return nil, nil })

	enc := c.encodeArgs([]any{f, "plain", 7})
	marker, ok := enc[0].(map[string]any)
	if !ok || marker[callbackMarkerKey] != f.id {
		t.Errorf("encoded func = %v, want {%s: %d}", enc[0], callbackMarkerKey, f.id)
	}
	if enc[1] != "plain" || enc[2] != 7 {
		t.Errorf("plain args changed: %v", enc[1:])
	}
}

func TestCallHTTPRejectsFuncs(t *testing.T) {
	c, err := New("http://example.com/shelf", Options{})
	if err != nil {
		t.Fatalf("New = %v", err)
	}
	f := c.NewFunc(func(ctx context.Context, args []any) (any, error) { return nil, nil })
	if err := c.CallHTTP(context.Background(), "subscribe", nil, f); !errors.Is(err, ErrCallbackOverHTTP) {
		t.Errorf("CallHTTP with func = %v, want ErrCallbackOverHTTP", err)
	}
}

func TestFreeBatchesOnce(t *testing.T) {
	c, err := New("http://example.com/shelf", Options{})
	if err != nil {
		t.Fatalf("New = %v", err)
	}
	f1 := c.NewFunc(func(ctx context.Context, args []any) (any, error) { return nil, nil })
	f2 := c.NewFunc(func(ctx context.Context, args []any) (any, error) { return nil, nil })

	f1.Free()
	f1.Free()
	f2.Free()

	ids := c.takeFreed()
	if len(ids) != 2 {
		t.Fatalf("freed batch = %v, want two ids", ids)
	}
	if got := c.takeFreed(); len(got) != 0 {
		t.Errorf("second drain = %v, want empty", got)
	}
	if _, ok := c.lookupFunc(f1.id); ok {
		t.Errorf("freed func still registered")
	}
}

func TestDecodeInto(t *testing.T) {
	var raw any
	if err := decodeInto(map[string]any{"a": float64(1)}, &raw); err != nil {
		t.Fatalf("decodeInto(*any) = %v", err)
	}
	if m, _ := raw.(map[string]any); m["a"] != float64(1) {
		t.Errorf("raw tree = %v, want untouched map", raw)
	}

	var typed struct {
		Title   string `json:"title"`
		Edition int    `json:"edition"`
	}
	tree := map[string]any{"title": "Dune", "edition": float64(2)}
	if err := decodeInto(tree, &typed); err != nil {
		t.Fatalf("decodeInto(struct) = %v", err)
	}
	if typed.Title != "Dune" || typed.Edition != 2 {
		t.Errorf("typed = %+v, want Dune/2", typed)
	}

	if err := decodeInto("anything", nil); err != nil {
		t.Errorf("decodeInto(nil out) = %v, want nil", err)
	}
}

func TestHTTPErrorParsing(t *testing.T) {
	err := httpError("lookup", 403, []byte(`{"error":{"message":"access denied","name":"AccessDeniedError"}}`))
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("httpError = %T, want *RemoteError", err)
	}
	if remote.Name != "AccessDeniedError" || remote.Status != 403 {
		t.Errorf("parsed = %+v, want AccessDeniedError 403", remote)
	}

	err = httpError("lookup", 502, []byte("bad gateway"))
	if !errors.As(err, &remote) || remote.Message != "bad gateway" {
		t.Errorf("raw body error = %v, want the body as message", err)
	}
}
