package wirecall

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wirecall-dev/wirecall/pkg/server"
)

// =============================================================================
// App Type
// =============================================================================

// App is the main wirecall application entry point.
// It wraps the engine, per-service HTTP mounts, the shared WebSocket
// endpoint and static file serving into a single http.Handler.
//
// Create an App with wirecall.New():
//
//	app, err := wirecall.New(wirecall.Config{
//	    Secrets: []string{os.Getenv("WIRECALL_SECRET")},
//	    Static:  wirecall.StaticConfig{Dir: "public", Prefix: "/"},
//	})
//
//	app.MustBind("books", &BookShelf{})
//	http.ListenAndServe(":8080", app)
type App struct {
	// Internal components
	engine *server.Engine

	// URL layout
	basePath   string
	socketPath string

	// Static file serving
	staticDir    string
	staticPrefix string
	staticFS     http.FileSystem

	// Per-service mounts, built at registration time.
	mu       sync.RWMutex
	handlers map[string]http.Handler

	// Configuration
	config   Config
	logger   *slog.Logger
	shutdown time.Duration
}

// New creates a new wirecall application with the given configuration.
func New(cfg Config) (*App, error) {
	// Apply defaults
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultConfig().BasePath
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultConfig().SocketPath
	}
	if cfg.Static.Prefix == "" {
		cfg.Static.Prefix = "/"
	}

	// Convert to engine options
	opts := buildEngineOptions(cfg)

	// Set up logger
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine, err := server.NewEngine(opts)
	if err != nil {
		return nil, err
	}

	// Create the app
	app := &App{
		engine:       engine,
		basePath:     strings.TrimSuffix(cfg.BasePath, "/"),
		socketPath:   cfg.SocketPath,
		staticDir:    cfg.Static.Dir,
		staticPrefix: cfg.Static.Prefix,
		handlers:     make(map[string]http.Handler),
		config:       cfg,
		logger:       logger,
		shutdown:     opts.Config.ShutdownTimeout,
	}

	// Set up static file system if configured
	if cfg.Static.Dir != "" {
		app.staticFS = http.Dir(cfg.Static.Dir)
	}

	return app, nil
}

// =============================================================================
// http.Handler Implementation
// =============================================================================

// ServeHTTP implements http.Handler.
// It routes requests to static files, the WebSocket endpoint, or a
// registered service.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// Check for static files first (if configured)
	if a.staticFS != nil && a.shouldServeStatic(path) {
		a.serveStatic(w, r)
		return
	}

	// The shared WebSocket endpoint
	if path == a.socketPath {
		a.engine.SocketHandler().ServeHTTP(w, r)
		return
	}

	// Service calls under the base path
	if rest, ok := strings.CutPrefix(path, a.basePath+"/"); ok {
		a.serveCall(w, r, rest)
		return
	}

	http.NotFound(w, r)
}

// serveCall dispatches BasePath/{service}/... to the service's mount.
func (a *App) serveCall(w http.ResponseWriter, r *http.Request, rest string) {
	name, _, _ := strings.Cut(rest, "/")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	a.mu.RLock()
	h := a.handlers[name]
	a.mu.RUnlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

// =============================================================================
// Service Registration
// =============================================================================

// AddService registers a manually built service and mounts it under the
// base path. Fails once the engine served its first request.
func (a *App) AddService(svc *server.Service) error {
	if err := a.engine.AddService(svc); err != nil {
		return err
	}

	name := svc.Name()
	mount := http.StripPrefix(a.basePath+"/"+name, a.engine.Handler(name))

	a.mu.Lock()
	a.handlers[name] = mount
	a.mu.Unlock()

	a.logger.Info("service mounted",
		"service", name,
		"path", a.basePath+"/"+name,
		"methods", len(svc.Methods()))
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Engine returns the underlying engine for advanced configuration.
// Most apps won't need this.
func (a *App) Engine() *server.Engine {
	return a.engine
}

// Service returns a registered service by name, or nil.
func (a *App) Service(name string) *server.Service {
	return a.engine.Service(name)
}

// Config returns the app configuration.
func (a *App) Config() Config {
	return a.config
}

// Logger returns the app logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// =============================================================================
// Running
// =============================================================================

// Run starts an HTTP server on addr and blocks until SIGINT or SIGTERM,
// then drains sockets and in-flight calls before returning.
//
//	app, _ := wirecall.New(cfg)
//	app.MustBind("books", &BookShelf{})
//	app.Run(":8080")
func (a *App) Run(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, addr)
}

// RunContext is Run with caller-controlled shutdown: the server drains
// and returns when ctx is cancelled.
func (a *App) RunContext(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	a.logger.Info("listening", "addr", addr, "base", a.basePath, "socket", a.socketPath)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", "timeout", a.shutdown)
	drainCtx, cancel := context.WithTimeout(context.Background(), a.shutdown)
	defer cancel()

	err := srv.Shutdown(drainCtx)
	if serr := a.engine.Shutdown(drainCtx); err == nil {
		err = serr
	}
	return err
}

// Shutdown closes the engine: it stops accepting calls, tells connected
// sockets to go away and waits for in-flight work up to ctx's deadline.
// Use it when the App is mounted on a caller-owned http.Server.
func (a *App) Shutdown(ctx context.Context) error {
	return a.engine.Shutdown(ctx)
}
