package client

import (
	"context"
	"runtime"
)

// callbackMarkerKey is the single-key object that stands in for a
// function argument on the wire.
const callbackMarkerKey = "__callback"

// Callback is a client function the server can invoke through the
// socket. Args arrive as decoded wire values ([]any, map[string]any,
// float64, ...). A non-nil error travels back to the server-side
// caller; the result must survive JSON encoding.
type Callback func(ctx context.Context, args []any) (any, error)

// Func is the transferable handle for a Callback. It stays callable by
// the server until Free, or until the garbage collector reclaims it
// after the program drops the last reference.
type Func struct {
	id int64
	c  *Client
}

// NewFunc registers fn and returns the handle to pass as a call
// argument. The handle keeps fn reachable; dropping the handle lets
// both be collected and eventually tells the server to forget its stub.
func (c *Client) NewFunc(fn Callback) *Func {
	id := c.nextFuncID.Add(1)
	c.funcsMu.Lock()
	c.funcs[id] = fn
	c.funcsMu.Unlock()

	f := &Func{id: id, c: c}
	runtime.SetFinalizer(f, (*Func).release)
	return f
}

// Free releases the callback now instead of waiting for the collector.
// The server-side stub is dropped with the next call's housekeeping.
// Invocations already in flight still complete.
func (f *Func) Free() {
	runtime.SetFinalizer(f, nil)
	f.release()
}

func (f *Func) release() {
	f.c.funcsMu.Lock()
	if _, ok := f.c.funcs[f.id]; ok {
		delete(f.c.funcs, f.id)
		f.c.freed = append(f.c.freed, f.id)
	}
	f.c.funcsMu.Unlock()
}

// lookupFunc resolves a callback id delivered by the server.
func (c *Client) lookupFunc(id int64) (Callback, bool) {
	c.funcsMu.Lock()
	fn, ok := c.funcs[id]
	c.funcsMu.Unlock()
	return fn, ok
}

// takeFreed drains the batch of ids whose handles were released since
// the last drain.
func (c *Client) takeFreed() []int64 {
	c.funcsMu.Lock()
	ids := c.freed
	c.freed = nil
	c.funcsMu.Unlock()
	return ids
}

// encodeArgs swaps *Func arguments for their wire markers. Handles are
// only recognized at the top level of the argument list.
func (c *Client) encodeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if f, ok := a.(*Func); ok && f != nil {
			out[i] = map[string]any{callbackMarkerKey: f.id}
			continue
		}
		out[i] = a
	}
	return out
}

// hasFuncArg reports whether any argument is a callback handle.
func hasFuncArg(args []any) bool {
	for _, a := range args {
		if _, ok := a.(*Func); ok {
			return true
		}
	}
	return false
}
