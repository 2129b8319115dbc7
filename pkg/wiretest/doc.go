// Package wiretest provides testing helpers for services exposed
// through wirecall.
//
// The wiretest package reduces boilerplate when testing remote-callable
// services by standing up a real engine behind an httptest server,
// keeping cookies between calls, and offering request builders and
// store instrumentation.
//
// # Quick Start
//
//	func TestShelf_Lookup(t *testing.T) {
//	    srv := wiretest.NewServer(t)
//	    srv.Bind("shelf", &Shelf{})
//
//	    var book Book
//	    if err := srv.Call("shelf", "getBook", &book, "b0001"); err != nil {
//	        t.Fatalf("getBook: %v", err)
//	    }
//	    if book.Title == "" {
//	        t.Error("expected a title")
//	    }
//	}
//
// Bind every service before the first call; the method registry
// freezes once traffic starts.
//
// # Raw Requests
//
// The request builder drives the HTTP plane directly, which is the way
// to test path arguments, query arguments and content negotiation:
//
//	resp := srv.Request("shelf", "getBook").
//	    WithPathArgs("b0001").
//	    WithHeader("Accept", "application/json").
//	    Get()
//	wiretest.ExpectStatus(t, resp, 200)
//
//	var book Book
//	wiretest.DecodeJSON(t, resp, &book)
//
// # Session Persistence
//
// Calls made through one Server share a cookie jar, so session state
// set by one call is visible to the next. SimulateRestart replaces the
// engine while keeping the store and secrets, which is how to test
// that sessions survive a deploy:
//
//	srv.Call("prefs", "setTheme", nil, "dark")
//	srv.SimulateRestart()
//
//	var theme string
//	srv.Call("prefs", "theme", &theme)
//
// # Store Instrumentation
//
// RecordingStore wraps any session store, counts operations and
// injects failures:
//
//	store := wiretest.NewRecordingStore(nil)
//	srv := wiretest.NewServer(t, wiretest.WithStore(store))
//	srv.Bind("prefs", &Prefs{})
//
//	srv.Call("prefs", "setTheme", nil, "dark")
//	if store.SaveCount() == 0 {
//	    t.Error("expected a session commit")
//	}
package wiretest
