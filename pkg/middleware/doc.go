// Package middleware provides observability middleware for wirecall
// applications.
//
// This package includes:
//   - Prometheus metrics middleware and an engine-level collector
//   - OpenTelemetry distributed tracing middleware
//
// # Prometheus Metrics
//
// The Metrics middleware times and counts every call served over HTTP:
//   - wirecall_calls_total: calls by service, method and status code
//   - wirecall_call_duration_seconds: call duration histogram
//   - wirecall_call_errors_total: failures by category
//   - wirecall_active_calls: in-flight calls
//   - wirecall_upgrades_total: WebSocket upgrades
//
// Wrap the app with it and expose the scrape endpoint:
//
//	mw := middleware.Metrics()
//	http.Handle("/metrics", promhttp.Handler())
//	http.ListenAndServe(":8080", mw(app))
//
// Calls multiplexed over a socket connection never re-enter the HTTP
// stack, so the middleware cannot see them. The engine counts them
// itself; NewEngineCollector exports those counters under
// wirecall_engine_*:
//
//	prometheus.MustRegister(middleware.NewEngineCollector(app.Engine()))
//
// # OpenTelemetry Tracing
//
// The OpenTelemetry middleware opens a span per call, named
// "service/method", with the call's transport and status recorded as
// attributes:
//
//	mw := middleware.OpenTelemetry(
//	    middleware.WithTracerName("bookshop"),
//	    middleware.WithFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/healthz"
//	    }),
//	)
//
// # Context Propagation
//
// The tracing middleware injects the span context into the request
// context, so method code reached through CallContext.Context inherits
// the trace:
//
//	func (s *BookShelf) Lookup(c *wirecall.Ctx, title string) (Book, error) {
//	    row := db.QueryRowContext(c.Context(), "SELECT ...")
//	    ...
//	}
package middleware
