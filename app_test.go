package wirecall

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shelf is the receiver bound in the app tests.
type shelf struct{}

type shelfBook struct {
	Title   string `json:"title"`
	Edition int    `json:"edition"`
}

func (s *shelf) Lookup(title string, edition int) (shelfBook, error) {
	return shelfBook{Title: title, Edition: edition}, nil
}

func (s *shelf) Shelve(b shelfBook) (string, error) {
	return b.Title, nil
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Secrets == nil {
		cfg.Secrets = []string{"app-test-secret"}
	}
	app, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return app
}

func TestNew_Defaults(t *testing.T) {
	app := newTestApp(t, Config{})

	if got := app.Config().BasePath; got != "/api" {
		t.Errorf("BasePath = %q, want %q", got, "/api")
	}
	if got := app.Config().SocketPath; got != "/ws" {
		t.Errorf("SocketPath = %q, want %q", got, "/ws")
	}
	if app.Engine() == nil {
		t.Error("Engine() = nil")
	}
	if app.Logger() == nil {
		t.Error("Logger() = nil")
	}
}

func TestApp_CallOverHTTP(t *testing.T) {
	app := newTestApp(t, Config{})
	app.MustBind("shelf", &shelf{}, Safe("Lookup"), Params("Lookup", "title", "edition"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "http://example.com/api/shelf/lookup", strings.NewReader(`["Dune", 2]`))
	req.Header.Set("Content-Type", "application/json")
	app.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("POST /api/shelf/lookup status = %d, want %d (body %q)", rr.Code, http.StatusOK, rr.Body.String())
	}
	var got shelfBook
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Title != "Dune" || got.Edition != 2 {
		t.Errorf("result = %+v, want {Dune 2}", got)
	}
}

func TestApp_SafeMethodByQuery(t *testing.T) {
	app := newTestApp(t, Config{})
	app.MustBind("shelf", &shelf{}, Safe("Lookup"), Params("Lookup", "title", "edition"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/api/shelf/lookup?title=Dune&edition=3", nil)
	app.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want %d (body %q)", rr.Code, http.StatusOK, rr.Body.String())
	}
	var got shelfBook
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Title != "Dune" || got.Edition != 3 {
		t.Errorf("result = %+v, want {Dune 3}", got)
	}
}

func TestApp_RoutingMisses(t *testing.T) {
	app := newTestApp(t, Config{})
	app.MustBind("shelf", &shelf{})

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown service", http.MethodPost, "/api/nope/lookup", http.StatusNotFound},
		{"unknown method", http.MethodPost, "/api/shelf/nope", http.StatusNotFound},
		{"outside base path", http.MethodGet, "/elsewhere", http.StatusNotFound},
		{"bare base path", http.MethodGet, "/api", http.StatusNotFound},
		{"base path no service", http.MethodGet, "/api/", http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(tc.method, "http://example.com"+tc.path, strings.NewReader("[]"))
		req.Header.Set("Content-Type", "application/json")
		app.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Errorf("%s: %s %s status = %d, want %d", tc.name, tc.method, tc.path, rr.Code, tc.want)
		}
	}
}

func TestApp_SocketPathIsWired(t *testing.T) {
	app := newTestApp(t, Config{})
	app.MustBind("shelf", &shelf{})

	// A plain GET is not a WebSocket upgrade; the endpoint must answer
	// with a handshake failure, not a routing miss.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	app.ServeHTTP(rr, req)

	if rr.Code == http.StatusNotFound {
		t.Fatalf("GET /ws status = %d, socket endpoint not mounted", rr.Code)
	}
	if rr.Code != http.StatusBadRequest {
		t.Errorf("GET /ws status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestApp_CustomBasePath(t *testing.T) {
	app := newTestApp(t, Config{BasePath: "/rpc/"})
	app.MustBind("shelf", &shelf{}, Safe("Lookup"), Params("Lookup", "title", "edition"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/rpc/shelf/lookup?title=Hild&edition=1", nil)
	app.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /rpc/shelf/lookup status = %d, want %d (body %q)", rr.Code, http.StatusOK, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://example.com/api/shelf/lookup?title=Hild", nil)
	app.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET /api/... with custom base path status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestApp_BindAfterFirstRequestFails(t *testing.T) {
	app := newTestApp(t, Config{})
	app.MustBind("shelf", &shelf{}, Safe("Lookup"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/api/shelf/lookup", nil)
	app.ServeHTTP(rr, req)

	if _, err := app.Bind("late", &shelf{}); err == nil {
		t.Error("Bind after first request: err = nil, want registration failure")
	}
}

func TestApp_RunContextStopsOnCancel(t *testing.T) {
	app := newTestApp(t, Config{})
	app.MustBind("shelf", &shelf{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- app.RunContext(ctx, "127.0.0.1:0") }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunContext = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunContext did not return after cancel")
	}
}

// =============================================================================
// Static serving
// =============================================================================

func writeStaticFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", name, err)
	}
}

func TestStatic_ServesFilesNextToAPI(t *testing.T) {
	tmp := t.TempDir()
	public := filepath.Join(tmp, "public")
	if err := os.MkdirAll(public, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeStaticFixture(t, public, "ok.txt", "ok")

	app := newTestApp(t, Config{Static: StaticConfig{Dir: public, Prefix: "/"}})
	app.MustBind("shelf", &shelf{}, Safe("Lookup"), Params("Lookup", "title", "edition"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/ok.txt", nil)
	app.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("GET /ok.txt = %d %q, want 200 %q", rr.Code, rr.Body.String(), "ok")
	}

	// The API keeps working with root-prefixed static serving.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://example.com/api/shelf/lookup?title=Dune&edition=1", nil)
	app.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("GET /api/shelf/lookup status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestStatic_BlocksTraversal(t *testing.T) {
	tmp := t.TempDir()
	public := filepath.Join(tmp, "public")
	if err := os.MkdirAll(public, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeStaticFixture(t, public, "ok.txt", "ok")
	writeStaticFixture(t, tmp, "secret.txt", "secret")

	app := newTestApp(t, Config{Static: StaticConfig{Dir: public, Prefix: "/"}})

	cases := []string{
		"/../secret.txt",
		"/%2e%2e/secret.txt",
		"/..//secret.txt",
	}
	for _, p := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "http://example.com"+p, nil)
		app.ServeHTTP(rr, req)

		if rr.Code == http.StatusOK && strings.Contains(rr.Body.String(), "secret") {
			t.Fatalf("GET %s served content from outside the static dir", p)
		}
		if rr.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", p, rr.Code, http.StatusNotFound)
		}
	}
}

func TestStatic_BlocksAbsoluteEscape(t *testing.T) {
	tmp := t.TempDir()
	public := filepath.Join(tmp, "public")
	if err := os.MkdirAll(public, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeStaticFixture(t, tmp, "abs-secret.txt", "abs-secret")

	app := newTestApp(t, Config{Static: StaticConfig{Dir: public, Prefix: "/static"}})

	for _, p := range []string{
		"/static//etc/passwd",
		"/static/../abs-secret.txt",
		"/static/.",
	} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "http://example.com"+p, nil)
		app.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", p, rr.Code, http.StatusNotFound)
		}
	}
}

func TestStatic_MethodNotAllowed(t *testing.T) {
	tmp := t.TempDir()
	writeStaticFixture(t, tmp, "ok.txt", "ok")

	app := newTestApp(t, Config{Static: StaticConfig{Dir: tmp, Prefix: "/"}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "http://example.com/ok.txt", strings.NewReader("x"))
	app.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT /ok.txt status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodHead, "http://example.com/ok.txt", nil)
	app.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("HEAD /ok.txt status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestStatic_CacheHeaders(t *testing.T) {
	tmp := t.TempDir()
	writeStaticFixture(t, tmp, "app.deadbeef.css", "body{}")
	writeStaticFixture(t, tmp, "main.css", "body{}")

	app := newTestApp(t, Config{Static: StaticConfig{
		Dir:          tmp,
		Prefix:       "/",
		CacheControl: CacheControlProduction,
		Headers:      map[string]string{"X-Frame-Options": "DENY"},
	}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/app.deadbeef.css", nil)
	app.ServeHTTP(rr, req)
	if got := rr.Header().Get("Cache-Control"); !strings.Contains(got, "immutable") {
		t.Errorf("fingerprinted Cache-Control = %q, want immutable", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://example.com/main.css", nil)
	app.ServeHTTP(rr, req)
	if got := rr.Header().Get("Cache-Control"); !strings.Contains(got, "max-age=3600") {
		t.Errorf("plain Cache-Control = %q, want max-age=3600", got)
	}
}

func TestHasFingerprint(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"app.a1b2c3d4.css", true},
		{"assets/app.deadbeefcafe.js", true},
		{"main.css", false},
		{"app.v2.css", false},
		{"app.nothexhere.css", false},
	}
	for _, tc := range cases {
		if got := hasFingerprint(tc.path); got != tc.want {
			t.Errorf("hasFingerprint(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
