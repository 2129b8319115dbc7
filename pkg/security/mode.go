package security

import "fmt"

// Mode is a cross-origin protection mode.
type Mode string

const (
	// ModeUnset means neither the session nor the request committed to a
	// mode yet. The guard treats it like ModePreflight.
	ModeUnset Mode = ""

	// ModePreflight trusts the browser's CORS preflight.
	ModePreflight Mode = "preflight"

	// ModeCorsReadToken requires proof that the client could read a
	// response body.
	ModeCorsReadToken Mode = "corsReadToken"

	// ModeCsrfToken requires an explicit token on every call.
	ModeCsrfToken Mode = "csrfToken"
)

// ParseMode parses a client-declared protection mode. The empty string and
// the literal "undefined" (sent by clients that stringify an absent value)
// both parse to ModeUnset.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "undefined":
		return ModeUnset, nil
	case string(ModePreflight):
		return ModePreflight, nil
	case string(ModeCorsReadToken):
		return ModeCorsReadToken, nil
	case string(ModeCsrfToken):
		return ModeCsrfToken, nil
	default:
		return ModeUnset, fmt.Errorf("security: unknown csrfProtectionMode %q", s)
	}
}

// Valid reports whether m is one of the three concrete modes or unset.
func (m Mode) Valid() bool {
	switch m {
	case ModeUnset, ModePreflight, ModeCorsReadToken, ModeCsrfToken:
		return true
	}
	return false
}
