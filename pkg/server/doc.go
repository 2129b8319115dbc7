// Package server is the wirecall engine: it dispatches remote method
// calls arriving over plain HTTP and over WebSocket connections, and
// carries the security and session machinery both transports share.
//
// The engine brings together the request classifier and CSRF guard
// (pkg/security), the cookie-session layer (pkg/session), the sealed
// token container (pkg/token) and the extended JSON codec (pkg/wire).
//
// # Architecture
//
// One Engine owns everything a deployment registers:
//
//   - Service: a named set of remote methods sharing security options
//     and session field declarations
//   - Engine: dispatches calls, enforces the guard, commits sessions
//   - SocketConnection: one accepted WebSocket multiplexing calls and
//     server-to-client callbacks
//   - Bridge: seals security context and session updates into tokens
//     the client ferries between the two transports
//   - CallContext: what a running method sees of its transport
//
// # HTTP Call Pipeline
//
// A request to a mounted service handler passes through, in order:
//  1. Request properties are read (origin, fetch metadata, headers)
//  2. CORS headers are applied and preflights answered
//  3. The method is resolved from the first path segment
//  4. Arguments are collected from path, query, body and multipart
//  5. The cookie session is resolved and the security guard runs
//  6. The method executes against a tracked session view
//  7. Session changes are committed and the cookie refreshed
//  8. The result is serialized by content negotiation rules
//
// # Socket Trust Model
//
// A WebSocket connection is accepted from any origin and starts with
// no authority: calls fail with ErrNoSecurityContext until the client
// fetches a context token over HTTP and installs it on the connection.
// The token is sealed, bound to one connection id, and carries the
// judged request properties plus the committed session. Session writes
// made by socket calls travel the same road in reverse: the engine
// hands the client a sealed update token, and only landing it back on
// the HTTP plane makes the change authoritative.
//
// # Example Usage
//
//	engine, err := server.NewEngine(server.Options{
//	    Secrets:      []string{os.Getenv("WIRECALL_SECRET")},
//	    SessionStore: store,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	books := server.NewService("books")
//	books.MustRegister("getBook",
//	    func(c *server.CallContext, args []any) (any, error) {
//	        return lookup(args[0].(string)), nil
//	    },
//	    []server.Param{{Name: "title", Kind: server.KindString}},
//	    &server.MethodOptions{IsSafe: true})
//	engine.AddService(books)
//
//	mux.Handle("/api/books/", http.StripPrefix("/api/books", engine.Handler("books")))
//	mux.Handle("/api/ws", engine.SocketHandler())
//
// # Thread Safety
//
// The engine serves calls concurrently:
//   - Engine.mu protects the service and group tables
//   - SocketConnection serializes writes through its send queue
//   - Socket calls run on their own goroutines; SetSession frames are
//     handled inline so later frames see the installed context
//   - The session View carries its own lock; one View never outlives
//     its call
package server
