package security

import (
	"fmt"
	"log/slog"
	"net/http"
)

// DeniedError is returned for every guard denial. Its public message is
// uniform so that probing clients learn nothing; the concrete reason stays
// in the server log.
type DeniedError struct {
	// Reason describes the denial for server-side logs.
	Reason string
}

func (e *DeniedError) Error() string {
	return "request denied by cross-origin protection"
}

// MethodInfo is the slice of a method descriptor the guard needs.
type MethodInfo struct {
	// Name is the method name, for logging.
	Name string

	// IsSafe marks a read-only method that may answer cross-site simple GET
	// requests.
	IsSafe bool

	// IsReadTokenFetch marks the built-in method that hands out
	// corsReadTokens. It must stay reachable before any read was proven.
	IsReadTokenFetch bool
}

// SessionState is the committed session state relevant to one security
// group. Zero value means no session.
type SessionState struct {
	// Mode is the session's committed protection mode.
	Mode Mode

	// CsrfToken is the issued csrfToken hex for the group, "" if none.
	CsrfToken string

	// CorsReadToken is the issued corsReadToken hex for the group, "" if
	// none.
	CorsReadToken string
}

// CheckInput carries everything one guard decision needs.
type CheckInput struct {
	Props   *RequestProperties
	Session SessionState
	Group   *Group
	Method  MethodInfo

	// DevMode is the server's development flag.
	DevMode bool
}

// Guard is the cross-origin decision engine. It runs once per call, and a
// second time lazily when the call first touches a session field.
type Guard struct {
	registry *Registry
	logger   *slog.Logger
}

// NewGuard returns a guard backed by the given registry.
func NewGuard(registry *Registry, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		registry: registry,
		logger:   logger.With("component", "security"),
	}
}

// EnforcedMode resolves the mode a decision runs under: the session's
// committed mode wins, then the request's declared mode, then the group's
// default. ModeUnset behaves like preflight.
func EnforcedMode(in CheckInput) Mode {
	if in.Session.Mode != ModeUnset {
		return in.Session.Mode
	}
	if in.Props.DeclaredMode != ModeUnset {
		return in.Props.DeclaredMode
	}
	if in.Group != nil {
		return in.Group.options.DefaultMode
	}
	return ModeUnset
}

// Check decides one call. nil allows it; every denial is a *DeniedError.
func (g *Guard) Check(in CheckInput) error {
	enforced := EnforcedMode(in)

	// Development bypass, only when every registered service opted in.
	if in.DevMode && g.registry.DevSecurityDisabled() {
		return nil
	}

	// A request must not contradict the mode the session committed to.
	if in.Props.DeclaredMode != ModeUnset && in.Props.DeclaredMode != enforced {
		return g.deny(in, enforced, fmt.Sprintf("declared mode %q conflicts with enforced mode %q", in.Props.DeclaredMode, enforced))
	}

	// csrfToken mode stands alone: the token decides, the origin does not.
	if enforced == ModeCsrfToken {
		if in.Props.BrowserMightBeVulnerable {
			return g.deny(in, enforced, "browser with known cross-origin issues")
		}
		if VerifyToken(in.Props.CsrfToken, in.Session.CsrfToken) {
			return nil
		}
		return g.deny(in, enforced, "missing or invalid csrfToken")
	}

	forceProof := in.Group != nil && in.Group.options.ForceTokenCheck && enforced == ModeCorsReadToken
	if g.originAllowed(in) && !forceProof {
		return nil
	}

	// From here on the request is effectively cross-origin. Browsers with
	// broken cross-origin enforcement get no further chances.
	if in.Props.BrowserMightBeVulnerable {
		return g.deny(in, enforced, "browser with known cross-origin issues")
	}

	if enforced == ModeCorsReadToken && g.readProven(in) {
		return nil
	}

	if in.Props.CouldBeSimpleRequest {
		// Simple requests carry cookies without any preflight. Only
		// side-effect-free reads are acceptable.
		if in.Props.Method == http.MethodGet && in.Method.IsSafe {
			return nil
		}
		return g.deny(in, enforced, "cross-site simple request to a non-safe method")
	}

	// A non-simple request reaching the server means a preflight passed.
	if in.Method.IsReadTokenFetch {
		return nil
	}
	if enforced == ModePreflight || enforced == ModeUnset {
		return nil
	}
	return g.deny(in, enforced, fmt.Sprintf("mode %q requires proof of read access", enforced))
}

// originAllowed decides whether the caller's origin is trusted outright.
// Same-origin requests always are; cross-origin requests consult the
// group's policy. A request with no usable origin is never origin-allowed,
// it has to earn trust through the later steps.
func (g *Guard) originAllowed(in CheckInput) bool {
	origin := in.Props.EffectiveOrigin()
	if origin == "" {
		return false
	}
	if in.Props.SameOrigin() {
		return true
	}
	if in.Group == nil || in.Group.options.AllowedOrigins == nil {
		return false
	}
	return in.Group.options.AllowedOrigins.Allows(origin)
}

// readProven reports whether the caller has proven it can read responses,
// either through the cached connection bit or by presenting a valid
// corsReadToken now.
func (g *Guard) readProven(in CheckInput) bool {
	if in.Props.ReadWasProven {
		return true
	}
	return VerifyToken(in.Props.CorsReadToken, in.Session.CorsReadToken)
}

func (g *Guard) deny(in CheckInput, enforced Mode, reason string) error {
	g.logger.Warn("call denied",
		"reason", reason,
		"method", in.Method.Name,
		"httpMethod", in.Props.Method,
		"origin", in.Props.Origin,
		"referer", in.Props.Referer,
		"mode", string(enforced),
		"group", groupID(in.Group),
	)
	return &DeniedError{Reason: reason}
}

func groupID(g *Group) string {
	if g == nil {
		return ""
	}
	return g.id
}
