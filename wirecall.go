// Package wirecall exposes plain Go methods as remote endpoints over
// HTTP and WebSocket, with browser-grade CSRF protection built in.
//
// This is the recommended import for most applications:
//
//	import "github.com/wirecall-dev/wirecall"
//
// Usage:
//
//	app, _ := wirecall.New(wirecall.DefaultConfig())
//	svc, _ := app.Bind("books", &BookShelf{}, wirecall.Safe("Lookup"))
//	_ = svc
//	app.Run(":8080")
//
// Methods become callable at /api/books/lookup over plain HTTP and over
// the shared WebSocket at /ws. Finer control (manual parameter
// descriptors, per-method options, session fields) lives in
// pkg/server; this package re-exports the pieces most callers need.
package wirecall

import (
	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/server"
	"github.com/wirecall-dev/wirecall/pkg/session"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// =============================================================================
// Core types
// =============================================================================

// Ctx is the per-call context a method may take as its first parameter.
// It carries the session view, the transport handles and call metadata.
type Ctx = server.CallContext

// Engine dispatches calls across both transports. Most applications use
// it through App; re-exported for callers mounting handlers themselves.
type Engine = server.Engine

// EngineOptions assemble an Engine.
type EngineOptions = server.Options

// NewEngine builds an engine from the given options.
var NewEngine = server.NewEngine

// Service is a named group of remote methods.
type Service = server.Service

// Method is one registered remote method.
type Method = server.Method

// Callback is a handle to a function living in a connected client.
// Methods receive it for parameters declared KindCallback.
type Callback = server.Callback

// SocketConnection is one live WebSocket connection.
type SocketConnection = server.SocketConnection

// =============================================================================
// Registration
// =============================================================================

// NewService creates an empty service. App.Bind builds services from
// struct methods; NewService is the manual route.
var NewService = server.NewService

// ServiceOption configures a service at construction.
type ServiceOption = server.ServiceOption

// WithSecurity sets the service's security options. Services sharing
// identical options share one security group.
var WithSecurity = server.WithSecurity

// WithMethodDefaults sets option defaults inherited by every method
// registered afterwards.
var WithMethodDefaults = server.WithMethodDefaults

// MethodFunc is the shape of a manually registered method
// implementation.
type MethodFunc = server.MethodFunc

// MethodOptions tune one method.
type MethodOptions = server.MethodOptions

// Param describes one declared parameter of a method.
type Param = server.Param

// ParamKind is the declared type class of a parameter.
type ParamKind = server.ParamKind

// Parameter kinds, deciding how arguments are decoded and what the
// method receives.
const (
	KindValue    = server.KindValue
	KindString   = server.KindString
	KindInt      = server.KindInt
	KindFloat    = server.KindFloat
	KindBool     = server.KindBool
	KindTime     = server.KindTime
	KindBigInt   = server.KindBigInt
	KindBytes    = server.KindBytes
	KindStream   = server.KindStream
	KindCallback = server.KindCallback
)

// IsReservedName reports whether a method name is claimed by the
// protocol and cannot be registered.
var IsReservedName = server.IsReservedName

// Undefined marks an argument the caller never supplied. KindValue
// parameters receive it in place of a value.
type Undefined = wire.Undefined

// =============================================================================
// Errors
// =============================================================================

// Throw wraps an arbitrary value so it travels to the client verbatim
// instead of being masked like an ordinary error.
var Throw = server.Throw

// ThrownValue carries a value thrown by a method to the client.
type ThrownValue = server.ThrownValue

// CommunicationError is an error with an explicit HTTP status.
type CommunicationError = server.CommunicationError

// NewCommunicationError builds a CommunicationError.
var NewCommunicationError = server.NewCommunicationError

// ArgumentError reports a malformed or missing argument. The engine
// answers it with 400.
type ArgumentError = server.ArgumentError

// ErrCallbackFreed is returned by Callback.Invoke after the client
// released the function.
var ErrCallbackFreed = server.ErrCallbackFreed

// =============================================================================
// Security
// =============================================================================

// SecurityOptions are the security-relevant settings of a service.
type SecurityOptions = security.Options

// OriginPolicy decides which cross-site origins may call a service.
type OriginPolicy = security.OriginPolicy

// Origins allows the listed origins.
var Origins = security.Origins

// AllOrigins allows every origin. Combine with ForceTokenCheck or a
// csrfToken default mode for anything state-changing.
var AllOrigins = security.AllOrigins

// OriginFunc adapts a predicate into an OriginPolicy.
var OriginFunc = security.OriginFunc

// Mode is a CSRF protection mode.
type Mode = security.Mode

// Protection modes a session can run under.
const (
	ModeUnset         = security.ModeUnset
	ModePreflight     = security.ModePreflight
	ModeCorsReadToken = security.ModeCorsReadToken
	ModeCsrfToken     = security.ModeCsrfToken
)

// =============================================================================
// Sessions
// =============================================================================

// SessionStore persists committed sessions.
type SessionStore = session.SessionStore

// SessionView is the per-call view methods read and write through
// Ctx.Session().
type SessionView = session.View

// NewMemoryStore returns an in-process session store.
var NewMemoryStore = session.NewMemoryStore

// NewS3Store returns a session store backed by an S3 bucket.
var NewS3Store = session.NewS3Store
