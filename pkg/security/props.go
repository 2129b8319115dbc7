package security

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Header names the client uses to carry protection metadata. Browsers refuse
// to attach custom headers to unpreflighted requests, so their presence also
// proves a CORS preflight happened.
const (
	HeaderMode          = "X-Csrf-Protection-Mode"
	HeaderCsrfToken     = "X-Csrf-Token"
	HeaderCorsReadToken = "X-Cors-Read-Token"
)

// simpleContentTypes are the media types a cross-site form can submit
// without triggering a preflight.
var simpleContentTypes = map[string]bool{
	"application/x-www-form-urlencoded": true,
	"multipart/form-data":               true,
	"text/plain":                        true,
}

// RequestProperties are the security-relevant facts derived from one HTTP
// request. Socket connections derive them once from the token-bridge request
// and cache them per group.
type RequestProperties struct {
	// Origin is the Origin header value, "" when absent.
	Origin string

	// Referer is the Referer header value, "" when absent.
	Referer string

	// Destination is the scheme://host the request targeted.
	Destination string

	// Method is the HTTP method.
	Method string

	// ContentType is the request media type without parameters, "" when the
	// request carried no body type.
	ContentType string

	// CouldBeSimpleRequest reports whether a browser could have produced
	// this request without a CORS preflight.
	CouldBeSimpleRequest bool

	// BrowserMightBeVulnerable is set for user agents with known
	// cross-origin enforcement bugs.
	BrowserMightBeVulnerable bool

	// DeclaredMode is the protection mode the request declared, ModeUnset
	// when it declared none.
	DeclaredMode Mode

	// CsrfToken is the shielded csrfToken presented by the request.
	CsrfToken string

	// CorsReadToken is the shielded corsReadToken presented by the request.
	CorsReadToken string

	// ReadWasProven is set once a presented corsReadToken verified. On
	// socket connections the bit sticks for the lifetime of the cached
	// properties.
	ReadWasProven bool
}

// PropertiesFromRequest derives the security properties of r. secure states
// whether the request arrived over TLS, either directly or via a trusted
// proxy. Declared modes also arrive as query or body meta parameters; the
// dispatcher overrides DeclaredMode and the token fields after parsing
// those. The only error is an unparsable declared mode.
func PropertiesFromRequest(r *http.Request, secure bool) (*RequestProperties, error) {
	p := &RequestProperties{
		Origin:        r.Header.Get("Origin"),
		Referer:       r.Header.Get("Referer"),
		Method:        r.Method,
		CsrfToken:     r.Header.Get(HeaderCsrfToken),
		CorsReadToken: r.Header.Get(HeaderCorsReadToken),
	}

	scheme := "http"
	if secure {
		scheme = "https"
	}
	if r.Host != "" {
		p.Destination = scheme + "://" + strings.ToLower(r.Host)
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			// Unparsable types never match the simple set, which keeps the
			// request on the strict non-simple path.
			mt = strings.ToLower(strings.TrimSpace(ct))
		}
		p.ContentType = mt
	}

	mode, err := ParseMode(r.Header.Get(HeaderMode))
	if err != nil {
		return nil, err
	}
	p.DeclaredMode = mode

	p.BrowserMightBeVulnerable = BrowserMightBeVulnerable(r.Header.Get("User-Agent"))
	p.CouldBeSimpleRequest = couldBeSimpleRequest(r, p.ContentType)
	return p, nil
}

// couldBeSimpleRequest reports whether a browser could have sent this
// request without a preflight: method GET/HEAD/POST, a form content type or
// none, and none of the wirecall headers.
func couldBeSimpleRequest(r *http.Request, contentType string) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return false
	}
	if contentType != "" && !simpleContentTypes[contentType] {
		return false
	}
	for _, h := range []string{HeaderMode, HeaderCsrfToken, HeaderCorsReadToken} {
		if r.Header.Get(h) != "" {
			return false
		}
	}
	return true
}

// EffectiveOrigin returns the request origin, falling back to the origin
// part of the Referer when the Origin header is absent or opaque ("null").
// Empty when neither is usable.
func (p *RequestProperties) EffectiveOrigin() string {
	if p.Origin != "" && p.Origin != "null" {
		return normalizeOrigin(p.Origin)
	}
	if p.Referer == "" {
		return ""
	}
	u, err := url.Parse(p.Referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return normalizeOrigin(u.Scheme + "://" + u.Host)
}

// SameOrigin reports whether the effective origin matches the request
// destination.
func (p *RequestProperties) SameOrigin() bool {
	o := p.EffectiveOrigin()
	return o != "" && p.Destination != "" && o == normalizeOrigin(p.Destination)
}

// Clone returns a copy. Socket connections clone cached properties before
// flipping ReadWasProven.
func (p *RequestProperties) Clone() *RequestProperties {
	cp := *p
	return &cp
}
