package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/session"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// callbackMarkerKey is the wire shape of a function argument: the
// client replaces a function with {"__callback": <id>} and keeps the
// function under that id until it is garbage collected.
const callbackMarkerKey = "__callback"

// outFrame is one queued outbound message. fatal frames are the last
// thing a connection sends.
type outFrame struct {
	data  []byte
	fatal bool
}

// SocketConnection is one accepted WebSocket carrying multiplexed
// method calls and server-to-client callbacks. A connection has no
// authority of its own: every security decision runs against the
// context token the HTTP plane minted for exactly this connection.
type SocketConnection struct {
	id     string
	engine *Engine
	conn   *websocket.Conn
	logger *slog.Logger
	cfg    *SocketConfig
	limits wire.Limits

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	send   chan outFrame

	closeOnce sync.Once
	closed    atomic.Bool
	calls     sync.WaitGroup

	// ctxMu guards the installed security contexts and the cached
	// committed session.
	ctxMu    sync.Mutex
	contexts map[string]*security.RequestProperties
	session  *session.Snapshot

	// pendingMu guards in-flight server-to-client calls.
	pendingMu  sync.Mutex
	pending    map[int64]chan *wire.CallbackResult
	nextCallID atomic.Int64

	// stubsMu guards the table of client functions the server may call.
	stubsMu sync.Mutex
	stubs   map[int64]*Callback
	freed   map[int64]struct{}
}

func newSocketConnection(e *Engine, conn *websocket.Conn) *SocketConnection {
	id := NewSocketID()
	ctx, cancel := context.WithCancel(context.Background())

	lim := e.config.WireLimits
	if msgMax := int(e.config.Socket.MaxMessageSize); lim.MaxFrameBytes <= 0 || msgMax < lim.MaxFrameBytes {
		lim.MaxFrameBytes = msgMax
	}

	return &SocketConnection{
		id:       id,
		engine:   e,
		conn:     conn,
		logger:   e.logger.With("component", "socket", "socket_id", id),
		cfg:      e.config.Socket,
		limits:   lim,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		send:     make(chan outFrame, e.config.Socket.SendQueueSize),
		contexts: make(map[string]*security.RequestProperties),
		pending:  make(map[int64]chan *wire.CallbackResult),
		stubs:    make(map[int64]*Callback),
		freed:    make(map[int64]struct{}),
	}
}

// ID returns the connection identifier context tokens must be bound to.
func (sc *SocketConnection) ID() string { return sc.id }

// RemoteAddr returns the peer address.
func (sc *SocketConnection) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}

// Context is canceled when the connection closes.
func (sc *SocketConnection) Context() context.Context { return sc.ctx }

// run drives the connection until it dies. Blocks; the engine starts it
// on its own goroutine.
func (sc *SocketConnection) run() {
	defer sc.engine.removeSocket(sc)
	defer sc.Close()

	sc.conn.SetReadLimit(sc.cfg.MaxMessageSize)
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(sc.cfg.ReadTimeout))
	})

	go sc.writeLoop()
	sc.readLoop()
	sc.calls.Wait()
}

func (sc *SocketConnection) readLoop() {
	for {
		sc.conn.SetReadDeadline(time.Now().Add(sc.cfg.ReadTimeout))
		_, msg, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				sc.logger.Warn("read error", "error", err)
			}
			return
		}

		env, err := wire.DecodeFrame(msg, sc.limits)
		if err != nil {
			var fatal *wire.FatalError
			var tooBig *wire.ErrFrameTooLarge
			switch {
			case errors.As(err, &fatal):
				sc.logger.Info("client aborted connection", "message", fatal.Message)
			case errors.As(err, &tooBig):
				sc.fatal("read", tooBig.Error())
			default:
				sc.fatal("read", "malformed message: "+err.Error())
			}
			return
		}

		switch env.Type {
		case wire.TypeMethodCall:
			call, err := wire.DecodeMethodCall(env.Payload)
			if err != nil {
				sc.fatal("methodCall", "malformed methodCall: "+err.Error())
				return
			}
			sc.calls.Add(1)
			go sc.handleMethodCall(call)

		case wire.TypeCallbackResult:
			res, err := wire.DecodeCallbackResult(env.Payload)
			if err != nil {
				sc.fatal("callbackResult", "malformed callbackResult: "+err.Error())
				return
			}
			sc.deliverCallbackResult(res)

		case wire.TypeSetSession:
			// Handled inline so every later frame sees the installed
			// context.
			set, err := wire.DecodeSetSession(env.Payload)
			if err != nil {
				sc.fatal("setSession", "malformed session message: "+err.Error())
				return
			}
			if !sc.installContext(set.Token) {
				return
			}

		case wire.TypeGetVersion:
			gv, _ := wire.DecodeGetVersion(env.Payload)
			sc.answerGetVersion(gv)

		case wire.TypeDownCallError:
			dce, err := wire.DecodeDownCallError(env.Payload)
			if err != nil {
				sc.fatal("downCallError", "malformed downCallError: "+err.Error())
				return
			}
			sc.handleDownCallError(dce)

		default:
			// methodCallResult and callbackCall only ever travel
			// server-to-client.
			sc.logger.Warn("unexpected envelope from client", "type", env.Type.String())
		}
	}
}

func (sc *SocketConnection) writeLoop() {
	ticker := time.NewTicker(sc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(sc.cfg.WriteTimeout))
			if err := sc.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				sc.logger.Warn("write error", "error", err)
				sc.Close()
				return
			}
			if out.fatal {
				sc.writeCloseControl(websocket.ClosePolicyViolation)
				sc.Close()
				return
			}

		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(sc.cfg.WriteTimeout))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sc.Close()
				return
			}

		case <-sc.done:
			sc.writeCloseControl(websocket.CloseNormalClosure)
			return
		}
	}
}

func (sc *SocketConnection) writeCloseControl(code int) {
	deadline := time.Now().Add(sc.cfg.WriteTimeout)
	sc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
}

// sendFrame queues one envelope. A full queue means the client stopped
// reading; the connection is closed rather than blocking a call
// goroutine on it.
func (sc *SocketConnection) sendFrame(typ wire.MessageType, payload any) error {
	if sc.closed.Load() {
		return ErrConnectionClosed
	}
	data, err := wire.EncodeFrame(typ, payload, sc.limits)
	if err != nil {
		return err
	}
	select {
	case sc.send <- outFrame{data: data}:
		return nil
	case <-sc.done:
		return ErrConnectionClosed
	default:
		sc.logger.Warn("send queue full, dropping connection")
		sc.Close()
		return ErrConnectionClosed
	}
}

// fatal queues an [Error] frame and lets the writer close after it.
func (sc *SocketConnection) fatal(op, message string) {
	sc.logger.Warn("closing connection",
		"error", &ProtocolViolationError{ConnID: sc.id, Op: op, Message: message})
	select {
	case sc.send <- outFrame{data: wire.EncodeErrorFrame(message), fatal: true}:
	default:
		sc.Close()
	}
}

// Close tears the connection down. Idempotent, callable from any
// goroutine.
func (sc *SocketConnection) Close() {
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		sc.cancel()
		close(sc.done)
		sc.conn.Close()

		sc.pendingMu.Lock()
		for id := range sc.pending {
			delete(sc.pending, id)
		}
		sc.pendingMu.Unlock()
	})
}

// installContext verifies and installs a ferried context token. Returns
// false when the connection must die.
func (sc *SocketConnection) installContext(sealed string) bool {
	payload, err := sc.engine.bridge.OpenContextToken(sealed, sc.id)
	if err != nil {
		// A token for another connection or a forged one. No legitimate
		// client produces either.
		sc.fatal("setSession", publicMessage(err, false))
		return false
	}

	sc.ctxMu.Lock()
	defer sc.ctxMu.Unlock()

	for _, key := range payload.Groups {
		if payload.Props != nil {
			sc.contexts[key] = payload.Props.Clone()
		}
	}
	sc.installSessionLocked(payload.Session)

	sc.logger.Debug("security context installed",
		"groups", len(payload.Groups),
		"has_session", payload.Session != nil)
	return true
}

// installSessionLocked applies version rules to the cached committed
// session: the HTTP plane is authoritative, so newer state wins, a
// replayed older token is ignored, and a different session id replaces
// the cache outright.
func (sc *SocketConnection) installSessionLocked(snap *session.Snapshot) {
	cur := sc.session
	switch {
	case snap == nil:
		// Token minted while the HTTP side was anonymous. Keep whatever
		// the socket already has.
	case cur == nil, snap.ID != cur.ID, snap.Version > cur.Version:
		sc.session = snap
	case snap.Version == cur.Version:
		// Idempotent re-install.
	default:
		sc.logger.Warn("stale context token ignored",
			"cached_version", cur.Version,
			"token_version", snap.Version)
	}
}

// securityContext returns the installed properties for one group key,
// or nil when the HTTP plane never covered it.
func (sc *SocketConnection) securityContext(key string) *security.RequestProperties {
	sc.ctxMu.Lock()
	defer sc.ctxMu.Unlock()
	return sc.contexts[key]
}

func (sc *SocketConnection) sessionSnapshot() *session.Snapshot {
	sc.ctxMu.Lock()
	defer sc.ctxMu.Unlock()
	return sc.session
}

// answerGetVersion is the handshake: besides the version pair the
// answer names the connection, which the client needs to request a
// context token bound to exactly this socket.
func (sc *SocketConnection) answerGetVersion(gv *wire.GetVersion) {
	result := &wire.MethodCallResult{
		CallID:     gv.CallID,
		HTTPStatus: 200,
		Result: map[string]any{
			"protocolVersion": ProtocolVersion,
			"engineVersion":   "wirecall " + EngineVersion,
			"connectionId":    sc.id,
		},
	}
	_ = sc.sendFrame(wire.TypeMethodCallResult, result.Tree())
}

// handleMethodCall runs one inbound call on its own goroutine. Calls on
// one connection run concurrently; only their result frames serialize
// through the send queue.
func (sc *SocketConnection) handleMethodCall(call *wire.MethodCall) {
	defer sc.calls.Done()
	defer func() {
		if rec := recover(); rec != nil {
			sc.logger.Error("socket call panicked",
				"method", call.Method,
				"panic", rec,
				"stack", string(debug.Stack()))
			sc.engine.metrics.RecordCallError()
			sc.answerCall(call.CallID, nil, "", fmt.Errorf("server: internal error"))
		}
	}()

	sc.engine.metrics.RecordSocketCall()
	sc.engine.metrics.CallStarted()
	defer sc.engine.metrics.CallFinished()

	result, update, err := sc.dispatchCall(call)
	if err != nil {
		sc.engine.metrics.RecordCallError()
		var denied *security.DeniedError
		if errors.As(err, &denied) {
			sc.engine.metrics.RecordDenial()
		}
	}
	sc.answerCall(call.CallID, result, update, err)
}

// answerCall renders one call outcome. A session update travels with
// error answers too: the session commit is independent of whether the
// method succeeded, same as over HTTP.
func (sc *SocketConnection) answerCall(callID int64, result any, update string, err error) {
	answer := &wire.MethodCallResult{
		CallID:             callID,
		Result:             result,
		HTTPStatus:         200,
		SessionUpdateToken: update,
	}
	if err != nil {
		answer.HTTPStatus = statusForError(err)
		var thrown *ThrownValue
		if errors.As(err, &thrown) {
			answer.Result = thrown.Value
		} else {
			answer.Result = nil
			answer.Err = errorPayload(err, sc.engine.config.ExposeErrors)
		}
	}
	_ = sc.sendFrame(wire.TypeMethodCallResult, answer.Tree())
}

// dispatchCall resolves, guards, binds and invokes one socket call,
// returning the result and the sealed session update for the client to
// ferry, if the call changed the session.
func (sc *SocketConnection) dispatchCall(call *wire.MethodCall) (any, string, error) {
	e := sc.engine

	svc := e.Service(call.ServiceID)
	if svc == nil {
		return nil, "", &MethodNotFoundError{Service: call.ServiceID, Name: call.Method}
	}
	m, internal, err := e.lookupMethod(svc, call.Method)
	if err != nil {
		return nil, "", err
	}
	if internal != nil {
		// The engine endpoints belong to the HTTP plane; a socket gets
		// its equivalents through the context token machinery.
		return nil, "", &MethodNotFoundError{Service: call.ServiceID, Name: call.Method, Reason: LookupReserved}
	}

	key := e.groupKey(svc.Name())
	group := e.groupFor(svc.Name())
	props := sc.securityContext(key)
	if props == nil {
		if e.config.Development && e.registry.DevSecurityDisabled() {
			props = &security.RequestProperties{}
		} else {
			return nil, "", ErrNoSecurityContext
		}
	}

	base := sc.sessionSnapshot()
	in := security.CheckInput{
		Props:   props,
		Session: sessionGuardState(base, key),
		Group:   group,
		Method: security.MethodInfo{
			Name:   m.Name,
			IsSafe: m.Options.IsSafe,
		},
		DevMode: e.config.Development,
	}
	if err := e.guard.Check(in); err != nil {
		return nil, "", err
	}

	args, err := sc.bindCallArgs(m, call.Args)
	if err != nil {
		return nil, "", err
	}

	view := session.NewView(base, e.mergedDefaults(), sessionAccessGate(e.guard, in))
	c := newCallContext(sc.ctx, m)
	c.socket = sc
	c.view = view
	c.group = group
	c.props = props
	defer c.invalidate()

	env := &callEnv{svc: svc, group: group, key: key, snap: base, props: props}
	result, err := e.invoke(c, env, m, nil, args)
	if err == nil && isStreamResult(result) {
		result, err = nil, ErrStreamOverSocket
	}

	stampProtectionMode(view, in)
	update := ""
	if view.Changed() {
		token, terr := e.bridge.IssueUpdateToken(pendingSessionUpdate(base, view))
		if terr != nil {
			sc.logger.Error("sealing session update failed", "error", terr)
			if err == nil {
				err = fmt.Errorf("server: session update could not be issued")
			}
		} else {
			update = token
		}
	}
	return result, update, err
}

// bindCallArgs turns the wire argument array into bound Go arguments,
// replacing callback markers with live stubs first.
func (sc *SocketConnection) bindCallArgs(m *Method, raw []any) ([]any, error) {
	positional := make([]channelValue, 0, len(raw))
	for _, el := range raw {
		if id, ok := callbackMarker(el); ok {
			stub, err := sc.stub(id, m.Options)
			if err != nil {
				return nil, err
			}
			positional = append(positional, channelValue{v: stub, channel: "socket"})
			continue
		}
		positional = append(positional, channelValue{v: el, channel: "socket"})
	}
	return bindArguments(m, positional, nil)
}

func callbackMarker(v any) (int64, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return 0, false
	}
	raw, ok := m[callbackMarkerKey]
	if !ok {
		return 0, false
	}
	return wire.NumberToInt64(raw)
}

func isStreamResult(v any) bool {
	switch v.(type) {
	case io.Reader, []byte:
		return true
	}
	return false
}

// pendingSessionUpdate renders the state a changed view would commit,
// with identity and version assigned the way the HTTP plane will
// verify them.
func pendingSessionUpdate(base *session.Snapshot, view *session.View) SessionUpdate {
	if view.Destroyed() && base != nil && !view.FreshlyWritten() {
		return SessionUpdate{DestroyID: base.ID}
	}

	next := view.Result()
	up := SessionUpdate{Next: next}
	if view.Destroyed() && base != nil {
		up.DestroyID = base.ID
		base = nil // the rewrite starts a fresh session
	}
	if base == nil {
		next.ID = session.NewSessionID()
		next.Version = 1
		next.BPSalt = session.NewSalt()
	} else {
		next.ID = base.ID
		next.Version = base.Version + 1
		next.BPSalt = session.NewSalt()
		next.PreviousBPSalt = base.BPSalt
	}
	return up
}

func (sc *SocketConnection) deliverCallbackResult(res *wire.CallbackResult) {
	sc.pendingMu.Lock()
	ch, ok := sc.pending[res.CallID]
	if ok {
		delete(sc.pending, res.CallID)
	}
	sc.pendingMu.Unlock()
	if !ok {
		sc.logger.Warn("callback result for unknown call", "call_id", res.CallID)
		return
	}
	ch <- res
}

func (sc *SocketConnection) handleDownCallError(dce *wire.DownCallError) {
	if dce.CallID != 0 {
		sc.deliverCallbackResult(&wire.CallbackResult{
			CallID: dce.CallID,
			Err:    &wire.ErrorPayload{Message: dce.Message, Name: "DownCallError"},
		})
	}
	if len(dce.CallbackIDs) == 0 {
		return
	}
	sc.stubsMu.Lock()
	for _, id := range dce.CallbackIDs {
		if _, ok := sc.stubs[id]; ok {
			delete(sc.stubs, id)
			sc.engine.metrics.StubDropped()
		}
		sc.freed[id] = struct{}{}
	}
	sc.stubsMu.Unlock()
}

// stub returns the connection's stub for a client function id, creating
// it on first sight. The table is bounded; a client holding more live
// functions than the limit has to free some before passing new ones.
func (sc *SocketConnection) stub(id int64, opts MethodOptions) (*Callback, error) {
	sc.stubsMu.Lock()
	defer sc.stubsMu.Unlock()

	if cb, ok := sc.stubs[id]; ok {
		return cb, nil
	}
	if len(sc.stubs) >= sc.cfg.MaxCallbackStubs {
		return nil, NewCommunicationError(429,
			"too many live callbacks on this connection (limit %d)", sc.cfg.MaxCallbackStubs)
	}
	delete(sc.freed, id)
	cb := &Callback{conn: sc, id: id, opts: opts}
	sc.stubs[id] = cb
	sc.engine.metrics.StubAdded()
	return cb, nil
}

func (sc *SocketConnection) stubFreed(id int64) bool {
	sc.stubsMu.Lock()
	defer sc.stubsMu.Unlock()
	_, freed := sc.freed[id]
	return freed
}

// Callback is a client-held function a call passed to the server. The
// server may invoke it for as long as the connection lives and the
// client has not garbage collected the function.
type Callback struct {
	conn *SocketConnection
	id   int64
	opts MethodOptions
}

// ID returns the client-assigned function id.
func (cb *Callback) ID() int64 { return cb.id }

// Invoke calls the client function and waits for its result. The wait
// is bounded by the connection's callback timeout; a client that never
// answers loses the connection, because every later wait would hang the
// same way.
func (cb *Callback) Invoke(ctx context.Context, args ...any) (any, error) {
	sc := cb.conn
	if sc.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if sc.stubFreed(cb.id) {
		return nil, ErrCallbackFreed
	}
	if cb.opts.ValidateCallbackArguments != nil {
		if err := cb.opts.ValidateCallbackArguments(args); err != nil {
			return nil, &ArgumentError{Message: err.Error(), Err: err}
		}
	}

	sc.pendingMu.Lock()
	if len(sc.pending) >= sc.cfg.MaxPendingCallbacks {
		sc.pendingMu.Unlock()
		return nil, NewCommunicationError(429,
			"too many outstanding callback calls (limit %d)", sc.cfg.MaxPendingCallbacks)
	}
	callID := sc.nextCallID.Add(1)
	ch := make(chan *wire.CallbackResult, 1)
	sc.pending[callID] = ch
	sc.pendingMu.Unlock()

	unregister := func() {
		sc.pendingMu.Lock()
		delete(sc.pending, callID)
		sc.pendingMu.Unlock()
	}

	callFrame := &wire.CallbackCall{CallID: callID, CallbackID: cb.id, Args: args}
	if err := sc.sendFrame(wire.TypeCallbackCall, callFrame.Tree()); err != nil {
		unregister()
		return nil, err
	}
	sc.engine.metrics.RecordCallbackCall()

	timer := time.NewTimer(sc.cfg.CallbackTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if cb.opts.ValidateCallbackResult != nil {
			return cb.opts.ValidateCallbackResult(res.Result)
		}
		return res.Result, nil

	case <-timer.C:
		unregister()
		sc.fatal("callbackCall", fmt.Sprintf("callback %d did not answer within %s", cb.id, sc.cfg.CallbackTimeout))
		return nil, NewCommunicationError(504,
			"callback %d timed out after %s", cb.id, sc.cfg.CallbackTimeout)

	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()

	case <-sc.done:
		unregister()
		return nil, ErrConnectionClosed
	}
}

// Fire calls the client function without waiting for a result. Call id
// zero tells the client not to answer.
func (cb *Callback) Fire(args ...any) error {
	sc := cb.conn
	if sc.closed.Load() {
		return ErrConnectionClosed
	}
	if sc.stubFreed(cb.id) {
		return ErrCallbackFreed
	}
	if cb.opts.ValidateCallbackArguments != nil {
		if err := cb.opts.ValidateCallbackArguments(args); err != nil {
			return &ArgumentError{Message: err.Error(), Err: err}
		}
	}
	callFrame := &wire.CallbackCall{CallID: 0, CallbackID: cb.id, Args: args}
	if err := sc.sendFrame(wire.TypeCallbackCall, callFrame.Tree()); err != nil {
		return err
	}
	sc.engine.metrics.RecordCallbackCall()
	return nil
}
