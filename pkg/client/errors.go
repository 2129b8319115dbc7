package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wirecall-dev/wirecall/pkg/wire"
)

var (
	// ErrClosed is returned by all operations after Close.
	ErrClosed = errors.New("client: closed")

	// ErrConnectionLost marks a call that died with its socket
	// connection. The call may or may not have run on the server;
	// Call retries such failures once on a fresh connection, so
	// callers only see this after the retry also failed.
	ErrConnectionLost = errors.New("client: socket connection lost")

	// ErrCallbackOverHTTP rejects *Func arguments on the HTTP plane.
	// Callbacks need a live socket for the server to call back on.
	ErrCallbackOverHTTP = errors.New("client: callbacks require a socket connection")
)

// RemoteError is a server-side failure, rebuilt from the wire. Name
// classifies it (AccessDeniedError, ArgumentError, SessionError, ...),
// Status carries the HTTP status the server assigned, and Message is
// whatever the server chose to disclose.
type RemoteError struct {
	Name    string
	Message string
	Status  int
	Stack   string
	Cause   *RemoteError
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString("client: remote error")
	if e.Name != "" {
		b.WriteString(" ")
		b.WriteString(e.Name)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// ThrownError carries a value the remote method threw deliberately, as
// opposed to failing. Value is the decoded wire tree of the thrown
// payload.
type ThrownError struct {
	Value any
}

func (e *ThrownError) Error() string {
	return fmt.Sprintf("client: remote method threw: %v", e.Value)
}

// remoteError lifts a wire payload into a RemoteError, preserving the
// cause chain.
func remoteError(p *wire.ErrorPayload, status int) *RemoteError {
	if p == nil {
		return &RemoteError{Name: "ServerError", Message: "call failed", Status: status}
	}
	e := &RemoteError{
		Name:    p.Name,
		Message: p.Message,
		Status:  status,
		Stack:   p.Stack,
	}
	if p.Cause != nil {
		e.Cause = remoteError(p.Cause, 0)
	}
	return e
}
