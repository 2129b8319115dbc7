package wirecall

import (
	"log/slog"
	"time"

	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/server"
	"github.com/wirecall-dev/wirecall/pkg/session"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the main application configuration.
// This is the user-friendly entry point for configuring a wirecall app.
type Config struct {
	// BasePath is the URL prefix services mount under. A service named
	// "books" answers at BasePath/books/{method}.
	// Default: "/api".
	BasePath string

	// SocketPath is where the shared WebSocket endpoint lives.
	// Default: "/ws".
	SocketPath string

	// Secrets seal every token and session cookie, newest first. List
	// older secrets after the current one to keep sessions valid across
	// a rotation. Empty means a random per-process secret; sessions
	// then die with the process.
	Secrets []string

	// Session configures the cookie-session layer.
	Session SessionConfig

	// Security configures origin checking and CSRF protection defaults
	// for services bound through the App.
	Security SecurityConfig

	// Static configures static file serving.
	Static StaticConfig

	// Limits bounds request and frame sizes.
	Limits LimitsConfig

	// Development opts every App-bound service into the development
	// security bypass. The bypass only engages when all registered
	// services opt in.
	// SECURITY: never enable in production.
	Development bool

	// Logger is the structured logger for the application.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// SessionConfig configures the cookie-session layer.
type SessionConfig struct {
	// Store persists committed sessions.
	// Default: an in-process memory store.
	Store session.SessionStore

	// CookieName is the browser cookie the sealed session travels in.
	// Default: "wirecall.session".
	CookieName string

	// TTL is how long a committed session stays loadable.
	// Default: 24 hours.
	TTL time.Duration
}

// SecurityConfig configures the security posture of App-bound services.
// Services created manually with NewService carry their own options.
type SecurityConfig struct {
	// AllowedOrigins lists cross-site origins permitted to call, e.g.
	// "https://partner.example.com". Empty allows same-origin only.
	AllowedOrigins []string

	// OriginCheck, when set, replaces AllowedOrigins with a predicate.
	OriginCheck func(origin string) bool

	// DefaultMode is the CSRF protection mode enforced when neither
	// the session nor the request declares one. The zero value gives
	// preflight semantics.
	DefaultMode Mode

	// ForceTokenCheck requires the read-token proof even for requests
	// from an allowed origin when the enforced mode is corsReadToken.
	ForceTokenCheck bool

	// ExposeErrors sends method error text to clients verbatim.
	// When false, clients get a generic message and the detail stays
	// in the server log.
	// Default: false.
	ExposeErrors bool

	// TrustedProxies lists IPs or CIDR ranges whose forwarded headers
	// are believed when deriving the request scheme and client IP.
	// Default: empty (trust nothing).
	TrustedProxies []string
}

// StaticConfig configures static file serving.
type StaticConfig struct {
	// Dir is the filesystem directory to serve. Empty disables static
	// serving.
	Dir string

	// Prefix is the URL prefix static files are served under.
	// Default: "/".
	Prefix string

	// CacheControl determines caching behavior for static files.
	// Default: CacheControlNone (no caching headers).
	CacheControl CacheControlStrategy

	// Headers are extra response headers applied to every static file.
	Headers map[string]string
}

// LimitsConfig bounds request and frame sizes. Zero fields keep the
// engine defaults.
type LimitsConfig struct {
	// MaxBodyBytes caps an HTTP request body.
	// Default: 16 MiB.
	MaxBodyBytes int64

	// MaxFrameBytes caps one encoded frame on either transport.
	// Default: 1 MiB.
	MaxFrameBytes int

	// MaxDepth caps the nesting depth of decoded argument trees.
	// Default: 64.
	MaxDepth int

	// MaxSocketMessageBytes caps one inbound WebSocket message.
	// Default: 256 KiB.
	MaxSocketMessageBytes int64
}

// CacheControlStrategy determines caching behavior for static files.
type CacheControlStrategy int

const (
	// CacheControlNone adds no caching headers.
	CacheControlNone CacheControlStrategy = iota

	// CacheControlProduction caches fingerprinted files for a year and
	// everything else briefly with revalidation.
	CacheControlProduction
)

// =============================================================================
// Default Configurations
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:   "/api",
		SocketPath: "/ws",
		Session:    DefaultSessionConfig(),
		Static:     DefaultStaticConfig(),
		Limits:     DefaultLimitsConfig(),
	}
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CookieName: "wirecall.session",
		TTL:        24 * time.Hour,
	}
}

// DefaultStaticConfig returns a StaticConfig with sensible defaults.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		Prefix:       "/",
		CacheControl: CacheControlNone,
	}
}

// DefaultLimitsConfig returns a LimitsConfig with sensible defaults.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxBodyBytes:          16 << 20,
		MaxFrameBytes:         1 << 20,
		MaxDepth:              64,
		MaxSocketMessageBytes: 256 * 1024,
	}
}

// =============================================================================
// Config to Engine Translation
// =============================================================================

// buildEngineOptions converts the user-friendly Config into the
// options pkg/server expects.
func buildEngineOptions(cfg Config) server.Options {
	srvCfg := server.DefaultConfig()
	if cfg.Limits.MaxBodyBytes > 0 {
		srvCfg.MaxBodySize = cfg.Limits.MaxBodyBytes
	}
	if cfg.Limits.MaxFrameBytes > 0 {
		srvCfg.WireLimits.MaxFrameBytes = cfg.Limits.MaxFrameBytes
	}
	if cfg.Limits.MaxDepth > 0 {
		srvCfg.WireLimits.MaxDepth = cfg.Limits.MaxDepth
	}
	if cfg.Limits.MaxSocketMessageBytes > 0 {
		srvCfg.Socket.MaxMessageSize = cfg.Limits.MaxSocketMessageBytes
	}
	srvCfg.ExposeErrors = cfg.Security.ExposeErrors
	srvCfg.Development = cfg.Development
	srvCfg.TrustedProxies = cfg.Security.TrustedProxies

	sessCfg := session.DefaultManagerConfig()
	if cfg.Session.CookieName != "" {
		sessCfg.CookieName = cfg.Session.CookieName
	}
	if cfg.Session.TTL > 0 {
		sessCfg.TTL = cfg.Session.TTL
	}

	store := cfg.Session.Store
	if store == nil {
		store = session.NewMemoryStore()
	}

	return server.Options{
		Config:        srvCfg,
		Logger:        cfg.Logger,
		Secrets:       cfg.Secrets,
		SessionStore:  store,
		SessionConfig: sessCfg,
	}
}

// securityOptions derives the service security options the App applies
// to services bound through it.
func (cfg Config) securityOptions() security.Options {
	var policy security.OriginPolicy
	switch {
	case cfg.Security.OriginCheck != nil:
		policy = security.OriginFunc(cfg.Security.OriginCheck)
	case len(cfg.Security.AllowedOrigins) > 0:
		policy = security.Origins(cfg.Security.AllowedOrigins...)
	}
	return security.Options{
		AllowedOrigins:     policy,
		DefaultMode:        cfg.Security.DefaultMode,
		ForceTokenCheck:    cfg.Security.ForceTokenCheck,
		DevDisableSecurity: cfg.Development,
	}
}
