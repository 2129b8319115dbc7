// Package diag provides structured, actionable error diagnostics for wirecall.
//
// The diag package implements a coded error system that:
//   - Explains what went wrong in plain language
//   - Suggests how to fix issues, with code examples where helpful
//   - Links to documentation for deeper understanding
//
// # Error Categories
//
// Errors are organized into categories:
//   - registration: Service/method registration errors raised at startup
//   - arguments: Argument binding and coercion errors (400-class)
//   - security: Cross-origin and token verification errors (403-class)
//   - protocol: Socket wire protocol errors (malformed envelopes, bad ids)
//   - session: Session record and store errors
//   - config: Configuration errors
//
// # Error Codes
//
// Each registered error has a unique code (e.g., "W001") that maps to:
//   - A short message describing the error
//   - A detailed explanation
//   - A documentation URL
//
// # Usage
//
//	err := diag.New("W001").
//	    WithDetail(`"doCall" is reserved for the dispatch machinery`).
//	    WithSuggestion("rename the method")
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR W001: Reserved method name
//	//
//	//   "doCall" is reserved for the dispatch machinery
//	//
//	//   Hint: rename the method
//	//
//	//   Learn more: https://wirecall.dev/docs/errors/W001
package diag
