package security

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/wirecall-dev/wirecall/internal/diag"
)

// Options are the security-relevant settings of a service. Services with
// identical options share one security group; a token issued for the group
// is accepted for any member.
type Options struct {
	// AllowedOrigins decides which cross-site origins may call. nil allows
	// only same-origin callers.
	AllowedOrigins OriginPolicy

	// DefaultMode is the protection mode enforced when neither the session
	// nor the request declares one. ModeUnset falls back to preflight
	// semantics.
	DefaultMode Mode

	// ForceTokenCheck requires the corsReadToken proof even for requests
	// from an allowed origin when the enforced mode is corsReadToken.
	ForceTokenCheck bool

	// DevDisableSecurity opts this service into the development bypass.
	// The bypass only engages when the server runs in development mode and
	// every registered service opts in.
	DevDisableSecurity bool
}

// Fingerprint returns the deterministic fingerprint of the options. Equal
// options produce equal fingerprints; function-typed origin policies are
// compared by identity, so two closures never share a fingerprint.
func (o Options) Fingerprint() string {
	parts := []string{
		"origins=" + policyFingerprint(o.AllowedOrigins),
		"mode=" + string(o.DefaultMode),
		"forceToken=" + strconv.FormatBool(o.ForceTokenCheck),
		"devDisable=" + strconv.FormatBool(o.DevDisableSecurity),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])[:16]
}

func policyFingerprint(p OriginPolicy) string {
	if p == nil {
		return "same-origin"
	}
	return p.fingerprint()
}

// Group is an equivalence class of services sharing identical security
// options.
type Group struct {
	id      string
	options Options
}

// ID returns the group's fingerprint id. Tokens are keyed by this id.
func (g *Group) ID() string { return g.id }

// Options returns the options shared by the group's members.
func (g *Group) Options() Options { return g.options }

// Registry holds every security group of a server. Groups register during
// startup; the registry freezes when the server accepts its first request
// and rejects new groups from then on.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*Group
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*Group)}
}

// Group returns the group for the given options, creating it when new.
// Creating a new group after Freeze fails.
func (r *Registry) Group(opts Options) (*Group, error) {
	fp := opts.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[fp]; ok {
		return g, nil
	}
	if r.frozen {
		return nil, diag.New("W007")
	}
	g := &Group{id: fp, options: opts}
	r.groups[fp] = g
	return g, nil
}

// Lookup returns the group with the given id, or nil.
func (r *Registry) Lookup(id string) *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[id]
}

// Freeze marks the registry immutable. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// DevSecurityDisabled reports whether every registered group opted into the
// development bypass. False when no groups are registered.
func (r *Registry) DevSecurityDisabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.groups) == 0 {
		return false
	}
	for _, g := range r.groups {
		if !g.options.DevDisableSecurity {
			return false
		}
	}
	return true
}

// Groups returns the registered groups sorted by id.
func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
