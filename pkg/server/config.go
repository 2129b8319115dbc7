package server

import (
	"time"

	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// SocketConfig contains tuning for a single socket connection.
type SocketConfig struct {
	// ── Timeouts ──────────────────────────────────────────────────

	// ReadTimeout is the maximum time to wait for an inbound frame
	// before the connection is considered dead.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for an outbound frame
	// to be written.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is how often the server pings the client.
	// Must be shorter than ReadTimeout.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// CallbackTimeout bounds how long a server-side callback stub waits
	// for the client's callbackResult. Exceeding it fails the waiter
	// and fatal-closes the connection.
	// Default: 30 seconds.
	CallbackTimeout time.Duration

	// ── Sizes and tables ──────────────────────────────────────────

	// MaxMessageSize is the largest accepted inbound frame in bytes.
	// Default: 256 KB.
	MaxMessageSize int64

	// SendQueueSize is the outbound frame queue length. A full queue
	// fails the send rather than blocking the dispatching goroutine.
	// Default: 64.
	SendQueueSize int

	// MaxPendingCallbacks bounds concurrently outstanding
	// server-to-client callback invocations.
	// Default: 256.
	MaxPendingCallbacks int

	// MaxCallbackStubs bounds remembered client callback functions per
	// connection.
	// Default: 4096.
	MaxCallbackStubs int
}

// DefaultSocketConfig returns a SocketConfig with production defaults.
func DefaultSocketConfig() *SocketConfig {
	return &SocketConfig{
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		CallbackTimeout:     30 * time.Second,
		MaxMessageSize:      256 * 1024,
		SendQueueSize:       64,
		MaxPendingCallbacks: 256,
		MaxCallbackStubs:    4096,
	}
}

// Config is the engine configuration.
type Config struct {
	// ── Request handling ──────────────────────────────────────────

	// MaxBodySize is the largest accepted HTTP request body in bytes.
	// Default: 16 MB.
	MaxBodySize int64

	// WireLimits bounds the extended JSON codec on both transports.
	// Default: wire.DefaultLimits().
	WireLimits wire.Limits

	// ── Security ──────────────────────────────────────────────────

	// ExposeErrors sends method error messages to clients verbatim.
	// When false, clients receive a generic message and the detail
	// stays in the server log.
	// Default: false.
	ExposeErrors bool

	// Development enables the dev-mode security bypass. It only takes
	// effect when every registered service opted in as well.
	// Default: false.
	Development bool

	// TrustedProxies lists IPs or CIDR ranges whose forwarded headers
	// are believed when deriving the request scheme and client IP.
	// Default: empty (trust nothing).
	TrustedProxies []string

	// RequireAccessProofPerService keys the socket security-context
	// cache by service instead of by security group. Stricter, slower.
	// Default: false.
	RequireAccessProofPerService bool

	// ── Socket transport ──────────────────────────────────────────

	// Socket tunes individual connections.
	// Default: DefaultSocketConfig().
	Socket *SocketConfig

	// HandshakeTimeout bounds the WebSocket upgrade.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// ReadBufferSize is the WebSocket read buffer in bytes.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer in bytes.
	// Default: 4096.
	WriteBufferSize int

	// ── Shutdown ──────────────────────────────────────────────────

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBodySize:      16 << 20,
		WireLimits:       wire.DefaultLimits(),
		Socket:           DefaultSocketConfig(),
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return DefaultConfig()
	}
	clone := *c
	if c.Socket != nil {
		socket := *c.Socket
		clone.Socket = &socket
	}
	if c.TrustedProxies != nil {
		clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	}
	return &clone
}

// WithMaxBodySize returns a copy with the body limit set.
func (c *Config) WithMaxBodySize(n int64) *Config {
	clone := c.Clone()
	clone.MaxBodySize = n
	return clone
}

// WithExposeErrors returns a copy with verbatim error exposure set.
func (c *Config) WithExposeErrors(expose bool) *Config {
	clone := c.Clone()
	clone.ExposeErrors = expose
	return clone
}

// WithDevelopment returns a copy with the dev flag set.
func (c *Config) WithDevelopment(dev bool) *Config {
	clone := c.Clone()
	clone.Development = dev
	return clone
}

// WithTrustedProxies returns a copy trusting the given proxies.
func (c *Config) WithTrustedProxies(proxies ...string) *Config {
	clone := c.Clone()
	clone.TrustedProxies = append([]string(nil), proxies...)
	return clone
}

// normalize fills zero values from the defaults.
func (c *Config) normalize() *Config {
	defaults := DefaultConfig()
	if c == nil {
		return defaults
	}
	out := c.Clone()
	if out.MaxBodySize <= 0 {
		out.MaxBodySize = defaults.MaxBodySize
	}
	if out.WireLimits.MaxDepth <= 0 {
		out.WireLimits = defaults.WireLimits
	}
	if out.Socket == nil {
		out.Socket = DefaultSocketConfig()
	} else {
		s := out.Socket
		d := defaults.Socket
		if s.ReadTimeout <= 0 {
			s.ReadTimeout = d.ReadTimeout
		}
		if s.WriteTimeout <= 0 {
			s.WriteTimeout = d.WriteTimeout
		}
		if s.HeartbeatInterval <= 0 {
			s.HeartbeatInterval = d.HeartbeatInterval
		}
		if s.CallbackTimeout <= 0 {
			s.CallbackTimeout = d.CallbackTimeout
		}
		if s.MaxMessageSize <= 0 {
			s.MaxMessageSize = d.MaxMessageSize
		}
		if s.SendQueueSize <= 0 {
			s.SendQueueSize = d.SendQueueSize
		}
		if s.MaxPendingCallbacks <= 0 {
			s.MaxPendingCallbacks = d.MaxPendingCallbacks
		}
		if s.MaxCallbackStubs <= 0 {
			s.MaxCallbackStubs = d.MaxCallbackStubs
		}
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = defaults.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = defaults.WriteBufferSize
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return out
}
