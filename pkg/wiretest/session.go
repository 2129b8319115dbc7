package wiretest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/wirecall-dev/wirecall"
	"github.com/wirecall-dev/wirecall/pkg/session"
)

// keepOpenStore lets the engine's Shutdown run without closing the
// store underneath, so a later engine can reuse it.
type keepOpenStore struct {
	session.SessionStore
}

func (keepOpenStore) Close() error { return nil }

// SimulateRestart swaps in a fresh engine built from the same
// configuration, store and secrets, and rebinds every service. Open
// sockets drop, as they would on a deploy; committed sessions survive
// through the store, and cookies sealed before the restart still open.
//
// Example:
//
//	srv.Call("prefs", "setTheme", nil, "dark")
//	srv.SimulateRestart()
//
//	var theme string
//	srv.Call("prefs", "theme", &theme) // still "dark"
func (s *Server) SimulateRestart() {
	s.tb.Helper()

	app, err := wirecall.New(s.cfg)
	if err != nil {
		s.tb.Fatalf("wiretest: rebuilding app: %v", err)
	}
	for _, b := range s.binds {
		if _, err := app.Bind(b.name, b.impl, b.opts...); err != nil {
			s.tb.Fatalf("wiretest: rebinding %s: %v", b.name, err)
		}
	}

	old := s.app.Swap(app)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := old.Shutdown(ctx); err != nil {
		s.tb.Fatalf("wiretest: shutting down old engine: %v", err)
	}
}

// RecordingStore wraps a session store, counts operations and records
// the IDs that went through, and can inject failures. The zero
// counters make "did this call commit a session" assertions direct.
type RecordingStore struct {
	inner session.SessionStore

	mu      sync.Mutex
	saves   int
	loads   int
	deletes int
	touches int
	saved   map[string][]byte

	saveErr   error
	loadErr   error
	deleteErr error
}

var _ session.SessionStore = (*RecordingStore)(nil)

// NewRecordingStore wraps inner, or a fresh in-memory store when inner
// is nil.
func NewRecordingStore(inner session.SessionStore) *RecordingStore {
	if inner == nil {
		inner = session.NewMemoryStore()
	}
	return &RecordingStore{
		inner: inner,
		saved: make(map[string][]byte),
	}
}

func (r *RecordingStore) Save(ctx context.Context, sessionID string, data []byte, expiresAt time.Time) error {
	r.mu.Lock()
	r.saves++
	failure := r.saveErr
	if failure == nil {
		r.saved[sessionID] = append([]byte(nil), data...)
	}
	r.mu.Unlock()
	if failure != nil {
		return failure
	}
	return r.inner.Save(ctx, sessionID, data, expiresAt)
}

func (r *RecordingStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	r.mu.Lock()
	r.loads++
	failure := r.loadErr
	r.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	return r.inner.Load(ctx, sessionID)
}

func (r *RecordingStore) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	r.deletes++
	failure := r.deleteErr
	if failure == nil {
		delete(r.saved, sessionID)
	}
	r.mu.Unlock()
	if failure != nil {
		return failure
	}
	return r.inner.Delete(ctx, sessionID)
}

func (r *RecordingStore) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	r.mu.Lock()
	r.touches++
	r.mu.Unlock()
	return r.inner.Touch(ctx, sessionID, expiresAt)
}

func (r *RecordingStore) SaveAll(ctx context.Context, sessions map[string]session.SessionData) error {
	r.mu.Lock()
	r.saves += len(sessions)
	if r.saveErr != nil {
		failure := r.saveErr
		r.mu.Unlock()
		return failure
	}
	for id, rec := range sessions {
		r.saved[id] = append([]byte(nil), rec.Data...)
	}
	r.mu.Unlock()
	return r.inner.SaveAll(ctx, sessions)
}

func (r *RecordingStore) Close() error {
	return r.inner.Close()
}

// SaveCount reports how many Save operations ran, counting each record
// of a SaveAll.
func (r *RecordingStore) SaveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// LoadCount reports how many Load operations ran.
func (r *RecordingStore) LoadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

// DeleteCount reports how many Delete operations ran.
func (r *RecordingStore) DeleteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deletes
}

// TouchCount reports how many Touch operations ran.
func (r *RecordingStore) TouchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touches
}

// SessionIDs lists the IDs with a recorded save, sorted.
func (r *RecordingStore) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.saved))
	for id := range r.saved {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Saved returns the last record saved under sessionID, or nil.
func (r *RecordingStore) Saved(sessionID string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[sessionID]
}

// FailSaves makes every Save and SaveAll return err until cleared with
// nil. Failed saves are not recorded.
func (r *RecordingStore) FailSaves(err error) {
	r.mu.Lock()
	r.saveErr = err
	r.mu.Unlock()
}

// FailLoads makes every Load return err until cleared with nil.
func (r *RecordingStore) FailLoads(err error) {
	r.mu.Lock()
	r.loadErr = err
	r.mu.Unlock()
}

// FailDeletes makes every Delete return err until cleared with nil.
func (r *RecordingStore) FailDeletes(err error) {
	r.mu.Lock()
	r.deleteErr = err
	r.mu.Unlock()
}

// EvictAll deletes every recorded session from the underlying store,
// simulating an expiry sweep or a cache flush.
func (r *RecordingStore) EvictAll(ctx context.Context) error {
	for _, id := range r.SessionIDs() {
		if err := r.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AssertSaved fails the test unless sessionID loads from the
// underlying store.
func (r *RecordingStore) AssertSaved(tb testing.TB, sessionID string) {
	tb.Helper()
	data, err := r.inner.Load(context.Background(), sessionID)
	if err != nil {
		tb.Fatalf("loading session %s: %v", sessionID, err)
	}
	if data == nil {
		tb.Fatalf("session %s not found in store", sessionID)
	}
}

// AssertNotSaved fails the test when sessionID still loads from the
// underlying store.
func (r *RecordingStore) AssertNotSaved(tb testing.TB, sessionID string) {
	tb.Helper()
	data, err := r.inner.Load(context.Background(), sessionID)
	if err != nil {
		tb.Fatalf("loading session %s: %v", sessionID, err)
	}
	if data != nil {
		tb.Fatalf("session %s unexpectedly found in store", sessionID)
	}
}
