package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wirecall-dev/wirecall/pkg/token"
)

// CookieTokenType is the box type of the sealed session cookie.
const CookieTokenType = "sct"

// CookieClaims is the payload of the sealed session cookie. The client
// never sees the record itself, only these claims.
type CookieClaims struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	BPSalt  string `json:"bpSalt"`
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// CookieName is the browser cookie the sealed claims travel in.
	// Default: "wirecall.session".
	CookieName string

	// TTL is how long a committed session stays loadable.
	// Default: 24 hours.
	TTL time.Duration
}

// DefaultManagerConfig returns a ManagerConfig with sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CookieName: "wirecall.session",
		TTL:        24 * time.Hour,
	}
}

// Error values of the manager.
var (
	// ErrNoStore is returned when a manager without a store is asked to
	// persist a session.
	ErrNoStore = errors.New("session: no store configured")

	// ErrVersionConflict is returned when a ferried session does not
	// continue the stored record by exactly one version.
	ErrVersionConflict = errors.New("session: version conflict")
)

// Manager owns the cookie-session lifecycle: it resolves incoming
// cookies to snapshots, commits changed views to the store and seals
// the claims that go back to the browser.
type Manager struct {
	store  SessionStore
	box    *token.TokenBox
	config ManagerConfig
	logger *slog.Logger
}

// NewManager creates a session manager. store may be nil, which yields
// a stateless engine where every commit attempt fails with ErrNoStore.
func NewManager(store SessionStore, box *token.TokenBox, config ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CookieName == "" {
		config.CookieName = DefaultManagerConfig().CookieName
	}
	if config.TTL <= 0 {
		config.TTL = DefaultManagerConfig().TTL
	}
	return &Manager{
		store:  store,
		box:    box,
		config: config,
		logger: logger.With("component", "session"),
	}
}

// CookieName returns the configured browser cookie name.
func (m *Manager) CookieName() string {
	return m.config.CookieName
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Resolve turns a raw cookie value into the stored snapshot. Anything
// that cannot be matched to a live record resolves to (nil, nil): an
// empty value, claims sealed under rotated-out keys, a missing record,
// or a cookie from a forked session branch. Only store failures
// surface as errors.
func (m *Manager) Resolve(ctx context.Context, cookieValue string) (*Snapshot, error) {
	if cookieValue == "" {
		return nil, nil
	}
	var claims CookieClaims
	if err := m.box.OpenString(cookieValue, CookieTokenType, &claims); err != nil {
		m.logger.Debug("unreadable session cookie", "error", err)
		return nil, nil
	}
	if claims.ID == "" {
		return nil, nil
	}
	snap, err := m.LoadSnapshot(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	if claims.BPSalt != snap.BPSalt && claims.BPSalt != snap.PreviousBPSalt {
		// The cookie continues a branch that another commit has since
		// overwritten. Honoring it would resurrect discarded state.
		m.logger.Debug("session cookie from a stale branch",
			"session_id", claims.ID,
			"cookie_version", claims.Version,
			"stored_version", snap.Version)
		return nil, nil
	}
	return snap, nil
}

// LoadSnapshot loads and decodes a stored record by id. A missing
// record yields (nil, nil).
func (m *Manager) LoadSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	if m.store == nil {
		return nil, nil
	}
	data, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	if data == nil {
		return nil, nil
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		// A corrupt record is dropped rather than wedging the caller.
		m.logger.Warn("dropping corrupt session record", "session_id", id, "error", err)
		_ = m.store.Delete(ctx, id)
		return nil, nil
	}
	return snap, nil
}

// SaveSnapshot persists a fully assembled snapshot.
func (m *Manager) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if m.store == nil {
		return ErrNoStore
	}
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(m.config.TTL)
	if err := m.store.Save(ctx, snap.ID, data, expiresAt); err != nil {
		return fmt.Errorf("session: save %s: %w", snap.ID, err)
	}
	return nil
}

// CommitResult is the outcome of committing a view.
type CommitResult struct {
	// Snapshot is the state now stored, nil when the session ended.
	Snapshot *Snapshot

	// Cookie is the sealed value to send to the browser, empty when the
	// cookie needs no update.
	Cookie string

	// Clear is true when the browser cookie must be dropped.
	Clear bool
}

// Commit persists the view. Unchanged views commit to a no-op. A
// changed view either updates the existing record under a rolled salt
// and bumped version, creates a fresh record, or deletes the record
// when the call destroyed the session. Destroy followed by writes in
// the same call yields a brand-new session under a new id.
func (m *Manager) Commit(ctx context.Context, view *View) (CommitResult, error) {
	if !view.Changed() {
		return CommitResult{Snapshot: view.Base()}, nil
	}
	if m.store == nil {
		return CommitResult{}, ErrNoStore
	}

	base := view.Base()
	if view.Destroyed() && base != nil {
		if err := m.store.Delete(ctx, base.ID); err != nil {
			return CommitResult{}, fmt.Errorf("session: delete %s: %w", base.ID, err)
		}
		m.logger.Debug("session destroyed", "session_id", base.ID)
		if !view.FreshlyWritten() {
			return CommitResult{Clear: true}, nil
		}
		base = nil // fall through: the later writes start a new session
	}

	next := view.Result()
	if base == nil {
		next.ID = NewSessionID()
		next.Version = 1
		next.BPSalt = NewSalt()
	} else {
		next.ID = base.ID
		next.Version = base.Version + 1
		next.BPSalt = NewSalt()
		next.PreviousBPSalt = base.BPSalt
	}

	if err := m.SaveSnapshot(ctx, next); err != nil {
		return CommitResult{}, err
	}
	cookie, err := m.SealCookie(next)
	if err != nil {
		return CommitResult{}, err
	}
	m.logger.Debug("session committed",
		"session_id", next.ID,
		"version", next.Version,
		"created", base == nil)
	return CommitResult{Snapshot: next, Cookie: cookie}, nil
}

// ApplyFerried installs a snapshot that arrived from another transport,
// typically the socket applying state it fetched over HTTP. The ferried
// version must continue the stored record by exactly one; anything else
// means a concurrent commit won the race and the ferried state is
// stale.
func (m *Manager) ApplyFerried(ctx context.Context, snap *Snapshot) error {
	if m.store == nil {
		return ErrNoStore
	}
	current, err := m.LoadSnapshot(ctx, snap.ID)
	if err != nil {
		return err
	}
	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
	}
	if snap.Version != currentVersion+1 {
		return fmt.Errorf("%w: ferried version %d over stored %d",
			ErrVersionConflict, snap.Version, currentVersion)
	}
	return m.SaveSnapshot(ctx, snap)
}

// Destroy deletes a stored record outright. Used when a destroy
// arrives ferried from another transport instead of through a view
// commit. Missing records are fine.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if m.store == nil || id == "" {
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	m.logger.Debug("session destroyed", "session_id", id)
	return nil
}

// Touch extends the lifetime of a session that was read but not
// changed. Failures are logged, not surfaced; an expired-but-active
// session corrects itself on the next commit.
func (m *Manager) Touch(ctx context.Context, id string) {
	if m.store == nil || id == "" {
		return
	}
	if err := m.store.Touch(ctx, id, time.Now().Add(m.config.TTL)); err != nil {
		m.logger.Debug("session touch failed", "session_id", id, "error", err)
	}
}

// SealCookie renders the claims cookie for a snapshot.
func (m *Manager) SealCookie(snap *Snapshot) (string, error) {
	return m.box.SealString(CookieClaims{
		ID:      snap.ID,
		Version: snap.Version,
		BPSalt:  snap.BPSalt,
	}, CookieTokenType)
}

// OpenCookie decodes and verifies a sealed claims cookie. Unlike
// Resolve this surfaces the failure, for callers that need to
// distinguish a bad token from a missing session.
func (m *Manager) OpenCookie(cookieValue string) (CookieClaims, error) {
	var claims CookieClaims
	if err := m.box.OpenString(cookieValue, CookieTokenType, &claims); err != nil {
		return CookieClaims{}, err
	}
	return claims, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
