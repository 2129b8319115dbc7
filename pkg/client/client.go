package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// Reserved endpoint names on the server's HTTP plane.
const (
	methodWelcomeInfo   = "getWelcomeInfo"
	methodCorsReadToken = "getCorsReadToken"
	methodContextToken  = "getHttpContextToken"
	methodSessionUpdate = "updateCookieSession"
)

// statusThrown is the status a deliberately thrown value travels under.
const statusThrown = 550

// Options tunes a Client. The zero value works.
type Options struct {
	// HTTPClient is cloned before use; a cookie jar is added when it
	// has none. Sessions need the jar, so transports are shared but
	// cookie state stays per Client.
	HTTPClient *http.Client

	Logger *slog.Logger

	// SocketURL overrides the socket endpoint. Default is /ws on the
	// service's origin, with the scheme switched to ws or wss.
	SocketURL string

	// DisableSocket pins every call to plain HTTP. Callback arguments
	// stop working.
	DisableSocket bool

	// HandshakeTimeout bounds the socket dial and version exchange.
	// Default 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each socket write. Default 10s.
	WriteTimeout time.Duration

	// Limits bounds frame size and nesting depth on both planes.
	Limits wire.Limits
}

// Client calls one remote service. Safe for concurrent use.
type Client struct {
	base      *url.URL
	service   string
	socketURL string

	http          *http.Client
	logger        *slog.Logger
	limits        wire.Limits
	disableSocket bool

	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	sf singleflight.Group

	connMu sync.Mutex
	conn   *conn

	cacheMu   sync.Mutex
	welcome   map[string]any
	readToken string

	funcsMu    sync.Mutex
	funcs      map[int64]Callback
	freed      []int64
	nextFuncID atomic.Int64

	closed atomic.Bool
}

// New builds a Client for the service at serviceURL, for example
// http://host:8080/api/books. The last path segment names the service.
func New(serviceURL string, opts Options) (*Client, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("client: bad service url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: service url must be http or https, got %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	service := path.Base(u.Path)
	if service == "" || service == "." || service == "/" {
		return nil, errors.New("client: service url path must name the service")
	}

	hc := &http.Client{}
	if opts.HTTPClient != nil {
		cp := *opts.HTTPClient
		hc = &cp
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("client: cookie jar: %w", err)
		}
		hc.Jar = jar
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := opts.Limits
	if limits.MaxDepth <= 0 {
		limits = wire.DefaultLimits()
	}

	socketURL := opts.SocketURL
	if socketURL == "" {
		ws := *u
		ws.Scheme = "ws"
		if u.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path = "/ws"
		ws.RawQuery = ""
		socketURL = ws.String()
	}

	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	write := opts.WriteTimeout
	if write <= 0 {
		write = 10 * time.Second
	}

	return &Client{
		base:             u,
		service:          service,
		socketURL:        socketURL,
		http:             hc,
		logger:           logger,
		limits:           limits,
		disableSocket:    opts.DisableSocket,
		handshakeTimeout: handshake,
		writeTimeout:     write,
		funcs:            make(map[int64]Callback),
	}, nil
}

// Call invokes method over the shared socket connection, dialing one if
// needed. out receives the decoded result; pass nil to discard it, or a
// *any to keep the raw wire tree. A call that dies with its connection
// is retried once on a fresh one.
//
// When the call changed the cookie session, the update is ferried to
// the HTTP plane and the socket's context is refreshed before Call
// returns, so both planes agree on the session.
func (c *Client) Call(ctx context.Context, method string, out any, args ...any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.disableSocket {
		return c.CallHTTP(ctx, method, out, args...)
	}
	if args == nil {
		args = []any{}
	}
	enc := c.encodeArgs(args)

	res, err := c.socketCall(ctx, method, enc)
	if err != nil && errors.Is(err, ErrConnectionLost) {
		res, err = c.socketCall(ctx, method, enc)
	}
	if err != nil {
		return err
	}
	return c.finishCall(ctx, res, out)
}

func (c *Client) socketCall(ctx context.Context, method string, args []any) (*wire.MethodCallResult, error) {
	cn, err := c.socketConn(ctx)
	if err != nil {
		return nil, err
	}
	c.flushFreed(cn)
	return cn.call(ctx, c.service, method, args)
}

// finishCall lands a session update if the result carries one, then
// interprets the outcome. The ferry runs for failed calls too; session
// commits are independent of method success.
func (c *Client) finishCall(ctx context.Context, res *wire.MethodCallResult, out any) error {
	if res.SessionUpdateToken != "" {
		if err := c.ferrySessionUpdate(ctx, res.SessionUpdateToken); err != nil {
			return fmt.Errorf("client: landing session update: %w", err)
		}
	}
	if res.Err != nil {
		return remoteError(res.Err, res.HTTPStatus)
	}
	if res.HTTPStatus == statusThrown {
		return &ThrownError{Value: res.Result}
	}
	return decodeInto(res.Result, out)
}

// CallHTTP invokes method with a plain POST, bypassing the socket.
// Callback arguments are rejected.
func (c *Client) CallHTTP(ctx context.Context, method string, out any, args ...any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if hasFuncArg(args) {
		return ErrCallbackOverHTTP
	}
	if args == nil {
		args = []any{}
	}
	body, err := wire.Marshal(args)
	if err != nil {
		return fmt.Errorf("client: encoding arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.limits.MaxFrameBytes)))
	if err != nil {
		return fmt.Errorf("client: reading %s response: %w", method, err)
	}
	return c.interpretHTTP(method, resp, data, out)
}

func (c *Client) interpretHTTP(method string, resp *http.Response, data []byte, out any) error {
	if resp.StatusCode == statusThrown {
		v, err := wire.UnmarshalLimits(data, c.limits)
		if err != nil {
			return fmt.Errorf("client: %s threw an undecodable value: %w", method, err)
		}
		return &ThrownError{Value: v}
	}
	if resp.StatusCode >= 400 {
		return httpError(method, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "json") {
		// Binary and text results arrive raw, not as JSON.
		switch p := out.(type) {
		case *[]byte:
			*p = data
			return nil
		case *string:
			*p = string(data)
			return nil
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	v, err := wire.UnmarshalLimits(data, c.limits)
	if err != nil {
		return fmt.Errorf("client: decoding %s result: %w", method, err)
	}
	return decodeInto(v, out)
}

// WelcomeInfo fetches the service's self-description. The answer is
// cached; concurrent first fetches collapse into one request and a
// failure is not cached.
func (c *Client) WelcomeInfo(ctx context.Context) (map[string]any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.cacheMu.Lock()
	cached := c.welcome
	c.cacheMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := c.sf.Do("welcomeInfo", func() (any, error) {
		raw, err := c.getJSON(ctx, methodWelcomeInfo)
		if err != nil {
			return nil, err
		}
		info, _ := raw.(map[string]any)
		if info == nil {
			return nil, errors.New("client: welcome info is not an object")
		}
		c.cacheMu.Lock()
		c.welcome = info
		c.cacheMu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// CorsReadToken fetches and caches the read proof. Once held it rides
// along on every HTTP request.
func (c *Client) CorsReadToken(ctx context.Context) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	if tok := c.cachedReadToken(); tok != "" {
		return tok, nil
	}

	v, err, _ := c.sf.Do("corsReadToken", func() (any, error) {
		raw, err := c.getJSON(ctx, methodCorsReadToken)
		if err != nil {
			return nil, err
		}
		tok, _ := raw.(string)
		if tok == "" {
			return nil, errors.New("client: server issued an empty read token")
		}
		c.cacheMu.Lock()
		c.readToken = tok
		c.cacheMu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close tears down the socket connection. Pending calls fail with
// ErrClosed. Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.connMu.Lock()
	cn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if cn != nil {
		cn.close()
	}
	return nil
}

// socketConn returns the live shared connection, dialing one if none
// exists. Concurrent dial attempts collapse into one.
func (c *Client) socketConn(ctx context.Context) (*conn, error) {
	if cn := c.currentConn(); cn != nil && !cn.dead() {
		return cn, nil
	}

	v, err, _ := c.sf.Do("socket", func() (any, error) {
		if cn := c.currentConn(); cn != nil && !cn.dead() {
			return cn, nil
		}
		// Detach from the first caller's cancellation; other callers
		// share this dial. The timeout bounds it instead.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.handshakeTimeout)
		defer cancel()

		fresh, err := c.dial(dctx)
		if err != nil {
			return nil, err
		}
		c.connMu.Lock()
		c.conn = fresh
		c.connMu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn), nil
}

func (c *Client) currentConn() *conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) dropConn(cn *conn) {
	c.connMu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

// flushFreed tells the server about callbacks released since the last
// call, so it can drop their stubs. On a write failure the ids are kept
// for the next attempt.
func (c *Client) flushFreed(cn *conn) {
	ids := c.takeFreed()
	if len(ids) == 0 {
		return
	}
	msg := &wire.DownCallError{CallbackIDs: ids, Message: "callbacks released"}
	if err := cn.write(wire.TypeDownCallError, msg.Tree()); err != nil {
		c.funcsMu.Lock()
		c.freed = append(ids, c.freed...)
		c.funcsMu.Unlock()
	}
}

// ferrySessionUpdate lands a socket-produced session change on the HTTP
// plane, then refreshes the socket's context so later socket calls see
// the committed session.
func (c *Client) ferrySessionUpdate(ctx context.Context, token string) error {
	var ack any
	if err := c.CallHTTP(ctx, methodSessionUpdate, &ack, token); err != nil {
		return err
	}
	if cn := c.currentConn(); cn != nil && !cn.dead() {
		if err := c.refreshContext(ctx, cn); err != nil {
			return fmt.Errorf("refreshing socket context: %w", err)
		}
	}
	return nil
}

// refreshContext fetches a context token bound to cn and ferries it
// onto the socket.
func (c *Client) refreshContext(ctx context.Context, cn *conn) error {
	token, err := c.fetchContextToken(ctx, cn.id)
	if err != nil {
		return err
	}
	return cn.write(wire.TypeSetSession, (&wire.SetSession{Token: token}).Tree())
}

// fetchContextToken asks the HTTP plane for a token bound to one socket
// connection. Concurrent fetches for the same connection collapse.
func (c *Client) fetchContextToken(ctx context.Context, socketID string) (string, error) {
	v, err, _ := c.sf.Do("contextToken:"+socketID, func() (any, error) {
		var token string
		if err := c.CallHTTP(ctx, methodContextToken, &token, socketID); err != nil {
			return nil, err
		}
		if token == "" {
			return nil, errors.New("client: server issued an empty context token")
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// getJSON fetches one reserved GET endpoint and decodes its body.
func (c *Client) getJSON(ctx context.Context, method string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(method), nil)
	if err != nil {
		return nil, fmt.Errorf("client: building request: %w", err)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.limits.MaxFrameBytes)))
	if err != nil {
		return nil, fmt.Errorf("client: reading %s response: %w", method, err)
	}
	if resp.StatusCode >= 400 {
		return nil, httpError(method, resp.StatusCode, data)
	}
	return wire.UnmarshalLimits(data, c.limits)
}

// decorate marks every request as a deliberate non-simple one. The
// declared mode header makes the request impossible for a browser form
// to forge, which is what lets a cookie-free native client pass the
// server's guard on both planes.
func (c *Client) decorate(req *http.Request) {
	req.Header.Set(security.HeaderMode, string(security.ModePreflight))
	if tok := c.cachedReadToken(); tok != "" {
		req.Header.Set(security.HeaderCorsReadToken, tok)
	}
}

func (c *Client) cachedReadToken() string {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.readToken
}

func (c *Client) endpoint(method string) string {
	return c.base.JoinPath(method).String()
}

// decodeInto moves a decoded wire tree into the caller's result
// variable. *any gets the tree itself; anything else goes through JSON.
func decodeInto(v any, out any) error {
	if out == nil {
		return nil
	}
	if p, ok := out.(*any); ok {
		*p = v
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("client: result does not re-encode: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decoding result into %T: %w", out, err)
	}
	return nil
}

// httpError rebuilds a RemoteError from an HTTP error response body of
// the form {"error": {"message", "name"}}. Unrecognized bodies keep
// their raw text as the message.
func httpError(method string, status int, data []byte) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Name    string `json:"name"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && (body.Error.Message != "" || body.Error.Name != "") {
		return &RemoteError{Name: body.Error.Name, Message: body.Error.Message, Status: status}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = method + " failed"
	}
	return &RemoteError{Message: msg, Status: status}
}
