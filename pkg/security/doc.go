// Package security implements the cross-origin protection engine.
//
// Every remote call, whether it arrives over HTTP or over a socket
// connection, passes through the same decision: may this caller, from this
// origin, in this browser, run this method. The decision engine is Guard;
// its inputs are the request's derived RequestProperties, the session's
// committed protection state, and the security Group of the target service.
//
// # Protection modes
//
// Three modes exist, from cheapest to strictest:
//
//   - preflight trusts the browser's CORS preflight: a non-simple request
//     that reached the server implies the server approved the origin.
//   - corsReadToken additionally requires proof that the client could read
//     a response body, which is impossible cross-origin without approval.
//   - csrfToken requires an explicit per-session, per-group token on every
//     call, the classic double-submit pattern.
//
// A session commits to one mode on its first write and keeps it until
// destroyed. Requests declaring a different mode are denied, which prevents
// an attacker from downgrading an existing session to a weaker mode.
//
// # Security groups
//
// Services with identical security options form one Group, identified by a
// deterministic fingerprint over those options. Tokens are scoped to a
// group: a token issued for group A never verifies for group B.
package security
