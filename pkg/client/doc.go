// Package client is the native Go caller for a wirecall server.
//
// A Client talks to one service. Calls prefer the persistent socket
// connection and fall back to (or can be pinned to) plain HTTP POSTs.
// The socket is opened lazily on the first call, shared by all
// goroutines using the Client, and reopened on demand after it drops.
//
// Cookie sessions work across both transports: the Client carries a
// cookie jar, ferries session update tokens produced by socket calls
// back to the HTTP plane, and refreshes the socket's security context
// afterwards, so a value written by a socket call is visible to the
// next HTTP call and vice versa.
//
// Server-to-client callbacks are ordinary Go functions wrapped with
// NewFunc. Pass the *Func as a call argument; the server may invoke it
// any number of times until it is freed, either explicitly with Free or
// by the garbage collector once the program drops the handle.
package client
