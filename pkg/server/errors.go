package server

import (
	"errors"
	"fmt"
)

// Sentinel errors of the server plane.
var (
	// ErrContextInvalid is returned when a method touches its call
	// context after the call completed.
	ErrContextInvalid = errors.New("server: cannot access call context after the call completed")

	// ErrNotLoggedIn marks a call that requires an authenticated
	// session. The HTTP plane maps it to 401.
	ErrNotLoggedIn = errors.New("server: not logged in")

	// ErrNoSecurityContext is returned for socket calls that arrive
	// before the connection received its HTTP security context.
	ErrNoSecurityContext = errors.New("server: no http security context for this connection")

	// ErrStreamOverSocket is returned when a method invoked over a
	// socket returns a stream or raw byte buffer.
	ErrStreamOverSocket = errors.New("server: stream and buffer results cannot travel over a socket connection")

	// ErrConnectionClosed is returned for writes on a closed socket
	// connection.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrCallbackFreed is returned when a remote callback is invoked
	// after the client garbage-collected the underlying function.
	ErrCallbackFreed = errors.New("server: remote callback was freed by the client")

	// ErrEngineClosed is returned when a request reaches an engine that
	// already shut down.
	ErrEngineClosed = errors.New("server: engine closed")
)

// CommunicationError carries an explicit HTTP status across the method
// boundary. A method that returns one controls the response status on
// both transports; anything else maps to 500.
type CommunicationError struct {
	Status  int
	Message string
	Err     error
}

func (e *CommunicationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("server: communication error (status %d)", e.Status)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// NewCommunicationError builds a CommunicationError with a formatted
// message.
func NewCommunicationError(status int, format string, args ...any) *CommunicationError {
	return &CommunicationError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// ThrownValue wraps a non-error value a method wants the remote caller
// to receive as a raised value, not as an error object. The transports
// answer with status 550 and the client re-throws the value verbatim.
type ThrownValue struct {
	Value any
}

func (e *ThrownValue) Error() string {
	return fmt.Sprintf("server: method raised a non-error value: %v", e.Value)
}

// Throw returns an error that delivers v to the remote caller as a
// raised value.
func Throw(v any) error { return &ThrownValue{Value: v} }

// MethodError wraps a failure raised by user method code, keeping the
// method coordinates for logs while preserving the cause chain.
type MethodError struct {
	Service string
	Method  string
	Err     error
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("server: method %s.%s: %v", e.Service, e.Method, e.Err)
}

func (e *MethodError) Unwrap() error { return e.Err }

// ArgumentError reports a request whose arguments could not be bound to
// the target method. The HTTP plane maps it to 400.
type ArgumentError struct {
	Method  string
	Message string
	Err     error
}

func (e *ArgumentError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("server: arguments for %s: %s", e.Method, e.Message)
	}
	return "server: arguments: " + e.Message
}

func (e *ArgumentError) Unwrap() error { return e.Err }

func argErrorf(method, format string, args ...any) *ArgumentError {
	return &ArgumentError{Method: method, Message: fmt.Sprintf(format, args...)}
}

// MethodNotFoundError distinguishes the three lookup failures: a name
// nothing is registered under, a reserved engine name, and a method that
// exists on the service but was never marked remote.
type MethodNotFoundError struct {
	Service string
	Name    string
	Reason  LookupFailure
}

// LookupFailure classifies a failed method lookup.
type LookupFailure int

const (
	// LookupUnknown means no method of that name exists at all.
	LookupUnknown LookupFailure = iota
	// LookupReserved means the name is reserved by the engine.
	LookupReserved
	// LookupNotRemote means the service knows the name but it does not
	// carry the remote marker.
	LookupNotRemote
)

func (e *MethodNotFoundError) Error() string {
	switch e.Reason {
	case LookupReserved:
		return fmt.Sprintf("server: %q is a reserved name and cannot be called remotely", e.Name)
	case LookupNotRemote:
		return fmt.Sprintf("server: method %s.%s exists but is not registered for remote calls", e.Service, e.Name)
	default:
		return fmt.Sprintf("server: service %s has no remote method %q", e.Service, e.Name)
	}
}

// HTTPStatus returns the response status for this lookup failure.
// Reserved names answer 400 so probing them is distinguishable from a
// plain miss.
func (e *MethodNotFoundError) HTTPStatus() int {
	if e.Reason == LookupReserved {
		return 400
	}
	return 404
}

// ProtocolViolationError is fatal for a socket connection: the engine
// answers with an [Error] frame and closes.
type ProtocolViolationError struct {
	ConnID  string
	Op      string
	Message string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("server: protocol violation on %s during %s: %s", e.ConnID, e.Op, e.Message)
}
