package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/session"
)

// CallContext is what a method sees of its transport. Exactly one of
// the request and socket handles is present. The context is valid while
// the method runs and while a stream it returned is being piped; any
// access after that fails with ErrContextInvalid, so a continuation
// that outlives its call cannot quietly read another call's state.
type CallContext struct {
	stdctx context.Context
	valid  atomic.Bool

	req    *http.Request
	res    http.ResponseWriter
	socket *SocketConnection

	view   *session.View
	group  *security.Group
	method *Method
	props  *security.RequestProperties

	mu          sync.Mutex
	contentType string
	status      int
}

func newCallContext(stdctx context.Context, method *Method) *CallContext {
	c := &CallContext{stdctx: stdctx, method: method}
	c.valid.Store(true)
	return c
}

// Context returns the transport-scoped context for blocking work.
func (c *CallContext) Context() context.Context {
	if c.stdctx == nil {
		return context.Background()
	}
	return c.stdctx
}

// Request returns the HTTP request, or ErrContextInvalid for socket
// calls and completed calls.
func (c *CallContext) Request() (*http.Request, error) {
	if !c.valid.Load() || c.req == nil {
		return nil, ErrContextInvalid
	}
	return c.req, nil
}

// Response returns the HTTP response writer, with the same validity
// rules as Request.
func (c *CallContext) Response() (http.ResponseWriter, error) {
	if !c.valid.Load() || c.res == nil {
		return nil, ErrContextInvalid
	}
	return c.res, nil
}

// Socket returns the socket connection carrying this call, or
// ErrContextInvalid for HTTP calls and completed calls.
func (c *CallContext) Socket() (*SocketConnection, error) {
	if !c.valid.Load() || c.socket == nil {
		return nil, ErrContextInvalid
	}
	return c.socket, nil
}

// Session returns the per-call session view. The view enforces its own
// lifecycle; after the call completes, accesses fail.
func (c *CallContext) Session() *session.View { return c.view }

// Method returns the descriptor of the running method.
func (c *CallContext) Method() *Method { return c.method }

// GroupID returns the id of the security group the call was admitted
// under, empty when security never ran (internal plumbing).
func (c *CallContext) GroupID() string {
	if c.group == nil {
		return ""
	}
	return c.group.ID()
}

// SecurityProperties returns the request properties the guard judged.
func (c *CallContext) SecurityProperties() *security.RequestProperties { return c.props }

// SetContentType fixes the response content type. Without it, results
// are JSON. text/html is only ever produced through this call.
func (c *CallContext) SetContentType(ct string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contentType = ct
}

// SetStatus overrides the success status code.
func (c *CallContext) SetStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = code
}

func (c *CallContext) responseOverrides() (contentType string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contentType, c.status
}

// invalidate ends the context lifetime. The session view is closed
// with it.
func (c *CallContext) invalidate() {
	c.valid.Store(false)
	if c.view != nil {
		c.view.Close()
	}
}
