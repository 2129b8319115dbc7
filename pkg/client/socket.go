package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// conn is one live socket connection. All goroutines of a Client share
// the current conn; when it dies every pending call fails and the next
// call dials a replacement.
type conn struct {
	c      *Client
	ws     *websocket.Conn
	logger *slog.Logger
	limits wire.Limits

	writeTimeout time.Duration

	// id is the server-assigned connection id, learned during the
	// handshake. Context tokens are bound to it.
	id string

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	mu      sync.Mutex
	err     error
	pending map[int64]chan *wire.MethodCallResult

	nextCallID atomic.Int64
}

// dial opens a socket, performs the version handshake and installs the
// security context before the connection is handed out. The read loop
// only starts once the context frame is on the wire, so no call can
// overtake it.
func (c *Client) dial(ctx context.Context) (*conn, error) {
	d := websocket.Dialer{
		Jar:              c.http.Jar,
		HandshakeTimeout: c.handshakeTimeout,
	}
	ws, resp, err := d.DialContext(ctx, c.socketURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("client: dialing %s: %w", c.socketURL, err)
	}
	ws.SetReadLimit(int64(c.limits.MaxFrameBytes))

	cctx, cancel := context.WithCancel(context.Background())
	cn := &conn{
		c:            c,
		ws:           ws,
		logger:       c.logger,
		limits:       c.limits,
		writeTimeout: c.writeTimeout,
		ctx:          cctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		pending:      make(map[int64]chan *wire.MethodCallResult),
	}

	if err := cn.handshake(); err != nil {
		cancel()
		ws.Close()
		return nil, err
	}
	if err := c.refreshContext(ctx, cn); err != nil {
		cancel()
		ws.Close()
		return nil, fmt.Errorf("client: installing security context: %w", err)
	}

	go cn.readLoop()
	return cn, nil
}

// handshake sends getVersion and reads the answer directly; the read
// loop is not running yet.
func (cn *conn) handshake() error {
	callID := cn.nextCallID.Add(1)
	req := &wire.GetVersion{CallID: callID, Minor: 1}
	if err := cn.write(wire.TypeGetVersion, req.Tree()); err != nil {
		return err
	}

	cn.ws.SetReadDeadline(time.Now().Add(cn.c.handshakeTimeout))
	_, data, err := cn.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("client: handshake read: %w", err)
	}
	cn.ws.SetReadDeadline(time.Time{})

	env, err := wire.DecodeFrame(data, cn.limits)
	if err != nil {
		return fmt.Errorf("client: handshake: %w", err)
	}
	if env.Type != wire.TypeMethodCallResult {
		return fmt.Errorf("client: handshake answered with %s frame", env.Type)
	}
	res, err := wire.DecodeMethodCallResult(env.Payload)
	if err != nil {
		return fmt.Errorf("client: handshake: %w", err)
	}
	if res.CallID != callID {
		return fmt.Errorf("client: handshake answered call %d, want %d", res.CallID, callID)
	}

	info, _ := res.Result.(map[string]any)
	proto, _ := info["protocolVersion"].(string)
	if !strings.HasPrefix(proto, "1.") {
		return fmt.Errorf("%w: server speaks %q", wire.ErrProtocolVersion, proto)
	}
	id, _ := info["connectionId"].(string)
	if id == "" {
		return errors.New("client: handshake answer names no connection")
	}
	cn.id = id
	return nil
}

// readLoop owns inbound frames until the connection dies.
func (cn *conn) readLoop() {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			cn.fail(fmt.Errorf("%w: read: %v", ErrConnectionLost, err))
			return
		}
		env, err := wire.DecodeFrame(data, cn.limits)
		if err != nil {
			var fatal *wire.FatalError
			if errors.As(err, &fatal) {
				cn.fail(fmt.Errorf("%w: server reported: %s", ErrConnectionLost, fatal.Message))
			} else {
				cn.fail(fmt.Errorf("%w: malformed frame: %v", ErrConnectionLost, err))
			}
			return
		}

		switch env.Type {
		case wire.TypeMethodCallResult:
			res, err := wire.DecodeMethodCallResult(env.Payload)
			if err != nil {
				cn.fail(fmt.Errorf("%w: malformed result: %v", ErrConnectionLost, err))
				return
			}
			cn.deliver(res)

		case wire.TypeCallbackCall:
			cc, err := wire.DecodeCallbackCall(env.Payload)
			if err != nil {
				cn.fail(fmt.Errorf("%w: malformed callback call: %v", ErrConnectionLost, err))
				return
			}
			go cn.runCallback(cc)

		default:
			cn.logger.Warn("unexpected envelope from server", "type", env.Type.String())
		}
	}
}

// call sends one method call and waits for its answer.
func (cn *conn) call(ctx context.Context, service, method string, args []any) (*wire.MethodCallResult, error) {
	callID := cn.nextCallID.Add(1)
	ch := make(chan *wire.MethodCallResult, 1)

	cn.mu.Lock()
	if cn.err != nil {
		err := cn.err
		cn.mu.Unlock()
		return nil, err
	}
	cn.pending[callID] = ch
	cn.mu.Unlock()

	req := &wire.MethodCall{CallID: callID, ServiceID: service, Method: method, Args: args}
	if err := cn.write(wire.TypeMethodCall, req.Tree()); err != nil {
		cn.unregister(callID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		cn.unregister(callID)
		return nil, ctx.Err()
	case <-cn.done:
		return nil, cn.lastErr()
	}
}

// write encodes and sends one frame. Encoding failures are local and
// leave the connection alive; transport failures kill it.
func (cn *conn) write(typ wire.MessageType, payload any) error {
	data, err := wire.EncodeFrame(typ, payload, cn.limits)
	if err != nil {
		return fmt.Errorf("client: encoding %s frame: %w", typ, err)
	}

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if cn.dead() {
		return cn.lastErr()
	}
	cn.ws.SetWriteDeadline(time.Now().Add(cn.writeTimeout))
	if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		werr := fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
		cn.fail(werr)
		return werr
	}
	return nil
}

func (cn *conn) deliver(res *wire.MethodCallResult) {
	cn.mu.Lock()
	ch, ok := cn.pending[res.CallID]
	if ok {
		delete(cn.pending, res.CallID)
	}
	cn.mu.Unlock()
	if ok {
		ch <- res
	} else {
		cn.logger.Debug("result for unknown call", "callId", res.CallID)
	}
}

func (cn *conn) unregister(callID int64) {
	cn.mu.Lock()
	delete(cn.pending, callID)
	cn.mu.Unlock()
}

// runCallback executes one server-initiated invocation of a registered
// function. CallID zero means fire-and-forget; nothing is answered.
func (cn *conn) runCallback(cc *wire.CallbackCall) {
	fn, ok := cn.c.lookupFunc(cc.CallbackID)
	if !ok {
		cn.logger.Warn("server invoked unknown callback", "callbackId", cc.CallbackID)
		if cc.CallID != 0 {
			cn.answerCallback(cc.CallID, nil, errors.New("no such callback"))
		}
		return
	}
	result, err := cn.invokeCallback(fn, cc)
	if cc.CallID == 0 {
		return
	}
	cn.answerCallback(cc.CallID, result, err)
}

func (cn *conn) invokeCallback(fn Callback, cc *wire.CallbackCall) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			cn.logger.Error("callback panicked", "callbackId", cc.CallbackID, "panic", rec)
			result, err = nil, errors.New("callback panicked")
		}
	}()
	return fn(cn.ctx, cc.Args)
}

func (cn *conn) answerCallback(callID int64, result any, err error) {
	res := &wire.CallbackResult{CallID: callID, Result: result}
	if err != nil {
		res.Result = nil
		res.Err = &wire.ErrorPayload{Message: err.Error(), Name: "CallbackError"}
	}
	if werr := cn.write(wire.TypeCallbackResult, res.Tree()); werr != nil {
		cn.logger.Warn("callback answer not delivered", "callId", callID, "error", werr)
	}
}

// fail tears the connection down once. Pending calls observe done and
// report the recorded error.
func (cn *conn) fail(err error) {
	cn.closeOnce.Do(func() {
		cn.mu.Lock()
		cn.err = err
		cn.pending = nil
		cn.mu.Unlock()

		cn.cancel()
		close(cn.done)
		cn.ws.Close()
		cn.c.dropConn(cn)
	})
}

// close says goodbye politely, then tears down.
func (cn *conn) close() {
	cn.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = cn.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	cn.writeMu.Unlock()
	cn.fail(ErrClosed)
}

func (cn *conn) dead() bool {
	select {
	case <-cn.done:
		return true
	default:
		return false
	}
}

func (cn *conn) lastErr() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.err != nil {
		return cn.err
	}
	return ErrConnectionLost
}
