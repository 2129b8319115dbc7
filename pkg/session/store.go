package session

import (
	"context"
	"time"
)

// SessionStore defines the interface for session persistence backends.
// Implementations must be safe for concurrent use. The record bytes are
// opaque to the store; the engine's internal fields travel inside them
// and must come back byte-for-byte.
type SessionStore interface {
	// Save persists a session record. If sessionID already exists it is
	// overwritten.
	Save(ctx context.Context, sessionID string, data []byte, expiresAt time.Time) error

	// Load retrieves a session record by ID.
	// Returns (nil, nil) if the session doesn't exist or has expired.
	// Returns (data, nil) if found and not expired.
	// Returns (nil, err) on backend errors.
	Load(ctx context.Context, sessionID string) ([]byte, error)

	// Delete removes a session. Called when a service destroys its
	// session. Missing sessions are not an error.
	Delete(ctx context.Context, sessionID string) error

	// Touch updates the expiration time without loading full state.
	// Missing sessions are not an error.
	Touch(ctx context.Context, sessionID string, expiresAt time.Time) error

	// SaveAll persists multiple records, atomically where the backend
	// allows. Used on graceful shutdown.
	SaveAll(ctx context.Context, sessions map[string]SessionData) error

	// Close releases any resources held by the store.
	Close() error
}

// SessionData is one record with its expiry, as used by SaveAll.
type SessionData struct {
	Data      []byte
	ExpiresAt time.Time
}

// SessionNotFoundError is returned when a session doesn't exist.
// Note: Load returns (nil, nil) for missing sessions, not this error.
// This is used by callers that need an explicit error type.
type SessionNotFoundError struct {
	SessionID string
}

func (e SessionNotFoundError) Error() string {
	return "session not found: " + e.SessionID
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
type ErrStoreClosed struct{}

func (e ErrStoreClosed) Error() string {
	return "session store is closed"
}
