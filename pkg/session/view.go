package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// ErrModeLocked is returned when code tries to change a protection
// mode that was already fixed for the session.
var ErrModeLocked = errors.New("session: csrf protection mode is already fixed")

// ErrViewClosed is returned when a view is used after its call
// finished.
var ErrViewClosed = errors.New("session: view used after the call completed")

// AccessFunc runs before every field or token access. write is true for
// mutations. Returning an error blocks the access; the error travels to
// the caller unchanged.
type AccessFunc func(write bool) error

// View is the per-call working copy of a session. Reads hand out live
// references into the copy, so in-place mutation of nested values is
// picked up by the commit diff exactly like an explicit Set.
//
// A View is safe for concurrent use; the engine shares one View across
// everything a single call does.
type View struct {
	mu sync.Mutex

	base     *Snapshot // nil for an anonymous caller
	defaults map[string]any

	cur            map[string]any
	mode           string
	csrfTokens     map[string]string
	corsReadTokens map[string]string

	accessed  bool
	destroyed bool
	closed    bool

	beforeAccess AccessFunc
}

// NewView builds the working copy for one call. base may be nil.
// defaults supplies initial values for fields absent from the base;
// they are deep-copied per view.
func NewView(base *Snapshot, defaults map[string]any, beforeAccess AccessFunc) *View {
	v := &View{
		base:           base,
		defaults:       defaults,
		beforeAccess:   beforeAccess,
		cur:            map[string]any{},
		csrfTokens:     map[string]string{},
		corsReadTokens: map[string]string{},
	}
	if defaults != nil {
		if c, ok := wire.CloneValue(defaults).(map[string]any); ok {
			v.cur = c
		}
	}
	if base != nil {
		for k, val := range base.Values {
			v.cur[k] = wire.CloneValue(val)
		}
		v.mode = base.ProtectionMode
		for k, t := range base.CSRFTokens {
			v.csrfTokens[k] = t
		}
		for k, t := range base.CorsReadTokens {
			v.corsReadTokens[k] = t
		}
	}
	return v
}

func (v *View) touch(write bool) error {
	if v.closed {
		return ErrViewClosed
	}
	if v.beforeAccess != nil {
		if err := v.beforeAccess(write); err != nil {
			return err
		}
	}
	v.accessed = true
	return nil
}

// Get returns the current value of a field. The returned value is the
// live working copy, not a clone; mutating a returned map or slice is a
// session write that the commit diff will detect.
func (v *View) Get(name string) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.touch(false); err != nil {
		return nil, err
	}
	return v.cur[name], nil
}

// Set writes a field. The value is normalized through the wire codec so
// later comparisons see the same shape a remote client would.
func (v *View) Set(name string, value any) error {
	if IsReservedKey(name) {
		return fmt.Errorf("session: field %q is reserved", name)
	}
	norm, err := wire.Normalize(value)
	if err != nil {
		return fmt.Errorf("session: value for %q: %w", name, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.touch(true); err != nil {
		return err
	}
	v.cur[name] = norm
	return nil
}

// Delete removes a field.
func (v *View) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.touch(true); err != nil {
		return err
	}
	delete(v.cur, name)
	return nil
}

// Destroy marks the whole session for deletion at commit. The working
// copy is reset to the defaults so later reads within the same call see
// a fresh session.
func (v *View) Destroy() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.touch(true); err != nil {
		return err
	}
	v.destroyed = true
	v.cur = map[string]any{}
	if v.defaults != nil {
		if c, ok := wire.CloneValue(v.defaults).(map[string]any); ok {
			v.cur = c
		}
	}
	v.mode = ""
	v.csrfTokens = map[string]string{}
	v.corsReadTokens = map[string]string{}
	return nil
}

// Mode returns the protection mode fixed for this session, or "" when
// none has been fixed yet. Reading the mode is engine bookkeeping, not
// a session access.
func (v *View) Mode() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

// FixMode fixes the protection mode for the session. Once a mode is
// set, every later attempt with a different value fails with
// ErrModeLocked. Fixing the same mode twice is a no-op.
func (v *View) FixMode(mode string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mode == mode {
		return nil
	}
	if v.mode != "" {
		return fmt.Errorf("%w (fixed %q, requested %q)", ErrModeLocked, v.mode, mode)
	}
	if err := v.touch(true); err != nil {
		return err
	}
	v.mode = mode
	return nil
}

// CSRFToken returns the raw csrf token for a security group, issuing a
// fresh one on first use. Token issuance counts as a session write so
// an otherwise empty session still gets committed and a cookie set.
func (v *View) CSRFToken(groupID string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.csrfTokens[groupID]; ok {
		if err := v.touch(false); err != nil {
			return "", err
		}
		return t, nil
	}
	if err := v.touch(true); err != nil {
		return "", err
	}
	t := randomHex(16)
	v.csrfTokens[groupID] = t
	return t, nil
}

// PeekCSRFToken returns the issued token without creating one.
func (v *View) PeekCSRFToken(groupID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.csrfTokens[groupID]
	return t, ok
}

// CorsReadToken returns the raw read token for a security group,
// issuing a fresh one on first use.
func (v *View) CorsReadToken(groupID string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.corsReadTokens[groupID]; ok {
		if err := v.touch(false); err != nil {
			return "", err
		}
		return t, nil
	}
	if err := v.touch(true); err != nil {
		return "", err
	}
	t := randomHex(16)
	v.corsReadTokens[groupID] = t
	return t, nil
}

// PeekCorsReadToken returns the issued read token without creating one.
func (v *View) PeekCorsReadToken(groupID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.corsReadTokens[groupID]
	return t, ok
}

// Accessed reports whether the call touched the session at all.
func (v *View) Accessed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accessed
}

// Destroyed reports whether the call destroyed the session.
func (v *View) Destroyed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.destroyed
}

// Base returns the snapshot the view started from, nil for anonymous.
func (v *View) Base() *Snapshot {
	return v.base
}

// Close invalidates the view. Later accesses fail with ErrViewClosed.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

// Changed reports whether committing would produce a different
// session than the baseline the call started from. For an anonymous
// caller the baseline is the defaults alone, so merely reading default
// values never creates a session.
func (v *View) Changed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed && v.base != nil {
		return true
	}
	return !v.baselineLocked().Equal(v.resultLocked())
}

func (v *View) baselineLocked() *Snapshot {
	if v.base != nil {
		return v.base
	}
	return v.defaultsSnapshotLocked()
}

func (v *View) defaultsSnapshotLocked() *Snapshot {
	blank := &Snapshot{Values: map[string]any{}}
	if v.defaults != nil {
		if c, ok := wire.CloneValue(v.defaults).(map[string]any); ok {
			blank.Values = c
		}
	}
	return blank
}

// FreshlyWritten reports whether the working state differs from what a
// brand-new session starts with. After a destroy it decides whether the
// call left anything behind that needs a new session.
func (v *View) FreshlyWritten() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.defaultsSnapshotLocked().Equal(v.resultLocked())
}

// Result renders the state the view would commit, without bookkeeping
// fields filled in. The manager assigns id, version and salts.
func (v *View) Result() *Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resultLocked()
}

func (v *View) resultLocked() *Snapshot {
	values := make(map[string]any, len(v.cur))
	for k, val := range v.cur {
		values[k] = val
	}
	return &Snapshot{
		ProtectionMode: v.mode,
		CSRFTokens:     cloneStringMap(v.csrfTokens),
		CorsReadTokens: cloneStringMap(v.corsReadTokens),
		Values:         values,
	}
}
