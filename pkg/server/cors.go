package server

import (
	"net/http"
	"strings"

	"github.com/wirecall-dev/wirecall/pkg/security"
)

// corsAllowedHeaders is what preflights may request: the content types
// of the body grammar plus the engine's security headers.
var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	security.HeaderMode,
	security.HeaderCsrfToken,
	security.HeaderCorsReadToken,
}, ", ")

const corsMaxAge = "86400"

// corsOriginAllowed reports whether the group policy admits the
// request origin for header purposes. Same-origin requests need no
// CORS headers at all.
func corsOriginAllowed(props *security.RequestProperties, policy security.OriginPolicy) (origin string, ok bool) {
	origin = props.EffectiveOrigin()
	if origin == "" || props.SameOrigin() {
		return "", false
	}
	if policy == nil {
		return "", false
	}
	return origin, policy.Allows(origin)
}

// applyCORSHeaders decorates an actual response for an allowed
// cross-origin caller. Vary: Origin is always set so caches never leak
// one origin's approval to another.
func applyCORSHeaders(w http.ResponseWriter, props *security.RequestProperties, policy security.OriginPolicy) {
	w.Header().Add("Vary", "Origin")
	origin, ok := corsOriginAllowed(props, policy)
	if !ok {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

// answerPreflight handles an OPTIONS preflight. It reports true when
// the request was a preflight and a response was written.
func answerPreflight(w http.ResponseWriter, r *http.Request, props *security.RequestProperties, policy security.OriginPolicy) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	if r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}
	w.Header().Add("Vary", "Origin")
	origin, ok := corsOriginAllowed(props, policy)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
	h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
	h.Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
	return true
}
