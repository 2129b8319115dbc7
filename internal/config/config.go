package config

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wirecall-dev/wirecall/internal/diag"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "wirecall.json"

	// DefaultListen is the default listen address.
	DefaultListen = ":8080"

	// DefaultBasePath is the default call mount point.
	DefaultBasePath = "/api"

	// DefaultSocketPath is the default socket endpoint.
	DefaultSocketPath = "/ws"

	// DefaultSessionTTL is the default session lifetime.
	DefaultSessionTTL = "24h"
)

// Config represents the complete wirecall.json configuration.
type Config struct {
	// Name is the deployment name, reported by getWelcomeInfo.
	Name string `json:"name,omitempty"`

	// Listen is the address the server binds to (default ":8080").
	Listen string `json:"listen,omitempty"`

	// BasePath is the URL prefix services are mounted under.
	BasePath string `json:"basePath,omitempty"`

	// SocketPath is the WebSocket endpoint path.
	SocketPath string `json:"socketPath,omitempty"`

	// Secrets are the token keys, newest first. ${VAR} references are
	// expanded from the environment at load time.
	Secrets []string `json:"secrets,omitempty"`

	// SecretsFile names a file with one secret per line. Lines from
	// the file are appended after Secrets.
	SecretsFile string `json:"secretsFile,omitempty"`

	// Session contains session layer configuration.
	Session SessionConfig `json:"session,omitempty"`

	// Security contains cross-site protection configuration.
	Security SecurityConfig `json:"security,omitempty"`

	// Static contains static file serving configuration.
	Static StaticConfig `json:"static,omitempty"`

	// Limits contains request and frame size limits.
	Limits LimitsConfig `json:"limits,omitempty"`

	// Observability contains scrape and health endpoint configuration.
	Observability ObservabilityConfig `json:"observability,omitempty"`

	// Development relaxes origin checks and exposes error details.
	// Never enable it on a reachable deployment.
	Development bool `json:"development,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// SessionConfig contains session layer configuration.
type SessionConfig struct {
	// Store selects the backing store: "memory", "postgres" or "s3".
	Store string `json:"store,omitempty"`

	// CookieName overrides the session cookie name.
	CookieName string `json:"cookieName,omitempty"`

	// TTL is the session lifetime as a duration string (e.g. "24h").
	TTL string `json:"ttl,omitempty"`

	// Postgres configures the "postgres" store.
	Postgres PostgresConfig `json:"postgres,omitempty"`

	// S3 configures the "s3" store.
	S3 S3Config `json:"s3,omitempty"`
}

// PostgresConfig contains PostgreSQL store settings.
type PostgresConfig struct {
	// DSN is the connection string. ${VAR} references are expanded.
	DSN string `json:"dsn,omitempty"`

	// MaxConns caps the connection pool size.
	MaxConns int `json:"maxConns,omitempty"`
}

// S3Config contains S3 store settings.
type S3Config struct {
	// Bucket is the bucket session records are written to.
	Bucket string `json:"bucket,omitempty"`

	// Prefix is the key prefix inside the bucket.
	Prefix string `json:"prefix,omitempty"`

	// Region overrides the SDK's resolved region.
	Region string `json:"region,omitempty"`
}

// SecurityConfig contains cross-site protection configuration.
type SecurityConfig struct {
	// AllowedOrigins lists origins allowed to call non-safe methods.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	// DefaultMode is the protection mode for services that set none:
	// "preflight", "corsReadToken" or "csrfToken".
	DefaultMode string `json:"defaultMode,omitempty"`

	// ForceTokenCheck requires tokens even from allowed origins.
	ForceTokenCheck bool `json:"forceTokenCheck,omitempty"`

	// ExposeErrors sends error details to clients.
	ExposeErrors bool `json:"exposeErrors,omitempty"`

	// TrustedProxies lists CIDR ranges whose forwarding headers are
	// believed.
	TrustedProxies []string `json:"trustedProxies,omitempty"`
}

// StaticConfig contains static file serving configuration.
type StaticConfig struct {
	// Dir is the directory containing static files.
	Dir string `json:"dir,omitempty"`

	// Prefix is the URL prefix for static files (default: "/").
	Prefix string `json:"prefix,omitempty"`
}

// LimitsConfig contains request and frame size limits. Zero keeps the
// engine default.
type LimitsConfig struct {
	// MaxBodyBytes caps HTTP request bodies.
	MaxBodyBytes int64 `json:"maxBodyBytes,omitempty"`

	// MaxFrameBytes caps a single wire value.
	MaxFrameBytes int `json:"maxFrameBytes,omitempty"`

	// MaxSocketMessageBytes caps a socket message.
	MaxSocketMessageBytes int64 `json:"maxSocketMessageBytes,omitempty"`
}

// ObservabilityConfig contains scrape and health endpoint settings.
type ObservabilityConfig struct {
	// MetricsPath exposes Prometheus metrics when set (e.g. "/metrics").
	MetricsPath string `json:"metricsPath,omitempty"`

	// HealthPath exposes a liveness endpoint when set (e.g. "/healthz").
	HealthPath string `json:"healthPath,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Listen:     DefaultListen,
		BasePath:   DefaultBasePath,
		SocketPath: DefaultSocketPath,
		Session: SessionConfig{
			Store: "memory",
			TTL:   DefaultSessionTTL,
		},
		Security: SecurityConfig{
			DefaultMode: "preflight",
		},
		Static: StaticConfig{
			Prefix: "/",
		},
		Observability: ObservabilityConfig{
			MetricsPath: "/metrics",
			HealthPath:  "/healthz",
		},
	}
}

// Load reads configuration from the specified directory.
// It looks for wirecall.json in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, diag.New("W103").
				WithDetail("No " + ConfigFileName + " found in " + filepath.Dir(path)).
				WithSuggestion("Create one, or pass --config pointing at an existing file")
		}
		return nil, diag.New("W100").Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, diag.New("W100").
			WithDetail("Failed to parse " + ConfigFileName + ": " + err.Error()).
			WithSuggestion("Check that " + ConfigFileName + " is valid JSON")
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return diag.Newf(diag.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return diag.New("W100").Wrap(err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return diag.New("W100").Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.Session.Store == "" {
		c.Session.Store = "memory"
	}
	if c.Session.TTL == "" {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Security.DefaultMode == "" {
		c.Security.DefaultMode = "preflight"
	}
	if c.Static.Prefix == "" {
		c.Static.Prefix = "/"
	}
}

var validModes = map[string]bool{
	"preflight":     true,
	"corsReadToken": true,
	"csrfToken":     true,
}

var validStores = map[string]bool{
	"memory":   true,
	"postgres": true,
	"s3":       true,
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return diag.New("W102").
			WithDetail("Cannot parse listen address " + c.Listen + ": " + err.Error()).
			WithExample(`"listen": ":8080"`)
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		return diag.Newf(diag.CategoryConfig, "basePath %q must start with /", c.BasePath)
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		return diag.Newf(diag.CategoryConfig, "socketPath %q must start with /", c.SocketPath)
	}
	if !validModes[c.Security.DefaultMode] {
		return diag.Newf(diag.CategoryConfig, "unknown security mode %q", c.Security.DefaultMode).
			WithSuggestion(`Use "preflight", "corsReadToken" or "csrfToken"`)
	}
	if !validStores[c.Session.Store] {
		return diag.Newf(diag.CategoryConfig, "unknown session store %q", c.Session.Store).
			WithSuggestion(`Use "memory", "postgres" or "s3"`)
	}
	if c.Session.Store == "postgres" && c.Session.Postgres.DSN == "" {
		return diag.Newf(diag.CategoryConfig, "session store %q needs postgres.dsn", c.Session.Store)
	}
	if c.Session.Store == "s3" && c.Session.S3.Bucket == "" {
		return diag.Newf(diag.CategoryConfig, "session store %q needs s3.bucket", c.Session.Store)
	}
	if _, err := c.SessionTTL(); err != nil {
		return diag.Newf(diag.CategoryConfig, "cannot parse session ttl %q", c.Session.TTL)
	}
	secrets, err := c.ResolveSecrets()
	if err != nil {
		return err
	}
	for _, s := range secrets {
		if len(s) < 8 {
			return diag.New("W101")
		}
	}
	return nil
}

// SessionTTL parses the configured session lifetime.
func (c *Config) SessionTTL() (time.Duration, error) {
	return time.ParseDuration(c.Session.TTL)
}

// ResolveSecrets expands ${VAR} references in the configured secrets
// and appends the contents of SecretsFile, one secret per line. Blank
// lines and lines starting with # are skipped.
func (c *Config) ResolveSecrets() ([]string, error) {
	secrets := make([]string, 0, len(c.Secrets))
	for _, s := range c.Secrets {
		if expanded := os.ExpandEnv(s); expanded != "" {
			secrets = append(secrets, expanded)
		}
	}

	if c.SecretsFile != "" {
		f, err := os.Open(c.resolvePath(c.SecretsFile))
		if err != nil {
			return nil, diag.New("W100").
				WithDetail("Cannot read secretsFile: " + err.Error())
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			secrets = append(secrets, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, diag.New("W100").Wrap(err)
		}
	}

	return secrets, nil
}

// PostgresDSN returns the postgres connection string with ${VAR}
// references expanded.
func (c *Config) PostgresDSN() string {
	return os.ExpandEnv(c.Session.Postgres.DSN)
}

// StaticDir returns the absolute path to the static files directory,
// or "" when static serving is off.
func (c *Config) StaticDir() string {
	if c.Static.Dir == "" {
		return ""
	}
	return c.resolvePath(c.Static.Dir)
}

func (c *Config) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir(), path)
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindProjectRoot walks up directories to find the project root.
// Returns the directory containing wirecall.json, or an error if not
// found.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", diag.New("W103").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads configuration from the current working
// directory, walking up to the project root.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	root, err := FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}

	return Load(root)
}
