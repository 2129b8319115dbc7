package diag

// Template defines a registered error type.
type Template struct {
	Category Category
	Message  string
	Detail   string
	DocURL   string
}

// registry maps error codes to their templates.
var registry = map[string]Template{
	// ============================================
	// Registration Errors (W001-W019)
	// ============================================

	"W001": {
		Category: CategoryRegistration,
		Message:  "Reserved method name",
		Detail:   "The method name collides with an identifier reserved by the dispatch machinery and cannot be exposed remotely.",
		DocURL:   "https://wirecall.dev/docs/errors/W001",
	},
	"W002": {
		Category: CategoryRegistration,
		Message:  "Method is not remote",
		Detail:   "The method exists but was never registered as remotely callable. Methods are only reachable when registered on their own declaring service; registration does not carry over from an embedded service.",
		DocURL:   "https://wirecall.dev/docs/errors/W002",
	},
	"W003": {
		Category: CategoryRegistration,
		Message:  "Method not found",
		Detail:   "No method with this name exists on the service.",
		DocURL:   "https://wirecall.dev/docs/errors/W003",
	},
	"W004": {
		Category: CategoryRegistration,
		Message:  "Duplicate method name",
		Detail:   "A method with this name is already registered on the service.",
		DocURL:   "https://wirecall.dev/docs/errors/W004",
	},
	"W005": {
		Category: CategoryRegistration,
		Message:  "Incompatible session field",
		Detail:   "Two services declare the same session field with different default values or different shapes. Services sharing a server must agree on every shared field.",
		DocURL:   "https://wirecall.dev/docs/errors/W005",
	},
	"W006": {
		Category: CategoryRegistration,
		Message:  "Nondeterministic session field default",
		Detail:   "The default value for a session field changes between evaluations (for example a counter or the current time). Defaults must be stable, otherwise change detection cannot tell defaults from writes.",
		DocURL:   "https://wirecall.dev/docs/errors/W006",
	},
	"W007": {
		Category: CategoryRegistration,
		Message:  "Security registry is frozen",
		Detail:   "Services cannot be registered after the server has accepted its first request. Register every service before starting the server.",
		DocURL:   "https://wirecall.dev/docs/errors/W007",
	},

	// ============================================
	// Argument Errors (W020-W039)
	// ============================================

	"W020": {
		Category: CategoryArguments,
		Message:  "Unknown named parameter",
		Detail:   "A named parameter does not match any declared parameter of the method. Enable TrimArguments on the method to drop unknown names instead.",
		DocURL:   "https://wirecall.dev/docs/errors/W020",
	},
	"W021": {
		Category: CategoryArguments,
		Message:  "Parameter supplied twice",
		Detail:   "The same parameter was supplied through more than one channel (path, query or body).",
		DocURL:   "https://wirecall.dev/docs/errors/W021",
	},
	"W022": {
		Category: CategoryArguments,
		Message:  "Wrong number of arguments",
		Detail:   "The call supplies more arguments than the method declares, or omits a required one.",
		DocURL:   "https://wirecall.dev/docs/errors/W022",
	},
	"W023": {
		Category: CategoryArguments,
		Message:  "Argument type mismatch",
		Detail:   "An argument value cannot be converted to the declared parameter type.",
		DocURL:   "https://wirecall.dev/docs/errors/W023",
	},
	"W024": {
		Category: CategoryArguments,
		Message:  "Ambiguous request body",
		Detail:   "The request body is declared application/json but does not parse as JSON. Send valid JSON, or set Content-Type: text/plain for a raw string argument.",
		DocURL:   "https://wirecall.dev/docs/errors/W024",
	},
	"W025": {
		Category: CategoryArguments,
		Message:  "Unsupported content type",
		Detail:   "The request Content-Type is not one the dispatcher accepts.",
		DocURL:   "https://wirecall.dev/docs/errors/W025",
	},
	"W026": {
		Category: CategoryArguments,
		Message:  "Request body too large",
		Detail:   "The request body exceeds the configured size limit.",
		DocURL:   "https://wirecall.dev/docs/errors/W026",
	},

	// ============================================
	// Security Errors (W040-W059)
	// ============================================

	"W040": {
		Category: CategorySecurity,
		Message:  "Request denied",
		Detail:   "The cross-origin protection rules rejected this call. The reason is logged server-side and intentionally not disclosed to the client.",
		DocURL:   "https://wirecall.dev/docs/errors/W040",
	},
	"W041": {
		Category: CategorySecurity,
		Message:  "Invalid token",
		Detail:   "A presented token failed verification. Tokens are bound to one session and one security group and cannot be transplanted.",
		DocURL:   "https://wirecall.dev/docs/errors/W041",
	},
	"W042": {
		Category: CategorySecurity,
		Message:  "Protection mode conflict",
		Detail:   "The request declares a csrfProtectionMode that differs from the mode the session committed to. Destroy the session to switch modes.",
		DocURL:   "https://wirecall.dev/docs/errors/W042",
	},

	// ============================================
	// Protocol Errors (W060-W079)
	// ============================================

	"W060": {
		Category: CategoryProtocol,
		Message:  "Malformed message envelope",
		Detail:   "A socket frame could not be decoded into a {type, payload} envelope.",
		DocURL:   "https://wirecall.dev/docs/errors/W060",
	},
	"W061": {
		Category: CategoryProtocol,
		Message:  "Unknown message type",
		Detail:   "The envelope type is not one the connection understands.",
		DocURL:   "https://wirecall.dev/docs/errors/W061",
	},
	"W062": {
		Category: CategoryProtocol,
		Message:  "Unknown call id",
		Detail:   "A result arrived for a call id with no pending call. The call may have been answered already or the connection restarted.",
		DocURL:   "https://wirecall.dev/docs/errors/W062",
	},
	"W063": {
		Category: CategoryProtocol,
		Message:  "Streaming result over socket",
		Detail:   "Byte streams and raw buffers cannot be returned over a socket connection. Call the method over HTTP instead.",
		DocURL:   "https://wirecall.dev/docs/errors/W063",
	},
	"W064": {
		Category: CategoryProtocol,
		Message:  "Token bound to another connection",
		Detail:   "The token's embedded socket id does not match the receiving connection.",
		DocURL:   "https://wirecall.dev/docs/errors/W064",
	},
	"W065": {
		Category: CategoryProtocol,
		Message:  "Payload too large",
		Detail:   "A socket frame exceeds the configured maximum message size.",
		DocURL:   "https://wirecall.dev/docs/errors/W065",
	},

	// ============================================
	// Session Errors (W080-W099)
	// ============================================

	"W080": {
		Category: CategorySession,
		Message:  "Session record corrupt",
		Detail:   "A stored session record could not be decoded. The record is dropped and a fresh session starts on the next write.",
		DocURL:   "https://wirecall.dev/docs/errors/W080",
	},
	"W081": {
		Category: CategorySession,
		Message:  "Session version conflict",
		Detail:   "A ferried session update does not follow the stored version. Stale or replayed updates are rejected.",
		DocURL:   "https://wirecall.dev/docs/errors/W081",
	},
	"W082": {
		Category: CategorySession,
		Message:  "Session store unavailable",
		Detail:   "The configured session store failed. Session reads and writes cannot proceed.",
		DocURL:   "https://wirecall.dev/docs/errors/W082",
	},

	// ============================================
	// Configuration Errors (W100-W119)
	// ============================================

	"W100": {
		Category: CategoryConfig,
		Message:  "Invalid wirecall.json",
		Detail:   "The wirecall.json configuration file is malformed.",
		DocURL:   "https://wirecall.dev/docs/errors/W100",
	},
	"W101": {
		Category: CategoryConfig,
		Message:  "Secret too short",
		Detail:   "The session secret must be at least 8 characters. Generate one with `wirecall keygen`.",
		DocURL:   "https://wirecall.dev/docs/errors/W101",
	},
	"W102": {
		Category: CategoryConfig,
		Message:  "Invalid listen address",
		Detail:   "The configured listen address could not be parsed or is already in use.",
		DocURL:   "https://wirecall.dev/docs/errors/W102",
	},
	"W103": {
		Category: CategoryConfig,
		Message:  "No wirecall.json found",
		Detail:   "The configuration file could not be located.",
		DocURL:   "https://wirecall.dev/docs/errors/W103",
	},
}

// AllCodes returns all registered error codes.
func AllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template Template) {
	registry[code] = template
}
