package session

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store. It is the default store
// and suitable for single-server deployments; multi-server deployments
// want RedisStore, SQLStore or S3Store.
//
// The store is bounded: when MaxSessions is exceeded the least
// recently used record gets evicted. An engine that keeps every
// anonymous visitor's record forever is an easy memory exhaustion
// target.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	lru      *list.List // front = most recently used
	closed   bool
	done     chan struct{}

	maxSessions int
}

type memoryRecord struct {
	data      []byte
	expiresAt time.Time
	elem      *list.Element // value is the session id
}

// MemoryStoreOption configures MemoryStore behavior.
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	cleanupInterval time.Duration
	maxSessions     int
}

// WithCleanupInterval sets how often expired records are swept.
// Default: 1 minute.
func WithCleanupInterval(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.cleanupInterval = d
	}
}

// WithMaxSessions caps the number of records held at once. Writes past
// the cap evict the least recently used record. Default: 100000.
func WithMaxSessions(n int) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.maxSessions = n
	}
}

// NewMemoryStore creates a bounded in-memory session store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := &memoryStoreConfig{
		cleanupInterval: 1 * time.Minute,
		maxSessions:     100000,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := &MemoryStore{
		sessions:    make(map[string]*memoryRecord),
		lru:         list.New(),
		done:        make(chan struct{}),
		maxSessions: cfg.maxSessions,
	}

	go store.cleanupLoop(cfg.cleanupInterval)
	return store
}

// Save stores a record with an expiration time.
func (m *MemoryStore) Save(ctx context.Context, sessionID string, data []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	m.saveLocked(sessionID, dataCopy, expiresAt)
	return nil
}

func (m *MemoryStore) saveLocked(sessionID string, data []byte, expiresAt time.Time) {
	if rec, ok := m.sessions[sessionID]; ok {
		rec.data = data
		rec.expiresAt = expiresAt
		m.lru.MoveToFront(rec.elem)
		return
	}
	rec := &memoryRecord{data: data, expiresAt: expiresAt}
	rec.elem = m.lru.PushFront(sessionID)
	m.sessions[sessionID] = rec

	for m.maxSessions > 0 && len(m.sessions) > m.maxSessions {
		back := m.lru.Back()
		if back == nil {
			break
		}
		m.deleteLocked(back.Value.(string))
	}
}

// Load retrieves a record if it exists and has not expired.
func (m *MemoryStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed{}
	}

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.expiresAt) {
		m.deleteLocked(sessionID)
		return nil, nil
	}
	m.lru.MoveToFront(rec.elem)

	dataCopy := make([]byte, len(rec.data))
	copy(dataCopy, rec.data)
	return dataCopy, nil
}

// Delete removes a record from the store.
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	m.deleteLocked(sessionID)
	return nil
}

func (m *MemoryStore) deleteLocked(sessionID string) {
	if rec, ok := m.sessions[sessionID]; ok {
		m.lru.Remove(rec.elem)
		delete(m.sessions, sessionID)
	}
}

// Touch updates the expiration time of a record.
func (m *MemoryStore) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	if rec, ok := m.sessions[sessionID]; ok {
		rec.expiresAt = expiresAt
		m.lru.MoveToFront(rec.elem)
	}
	return nil
}

// SaveAll saves multiple records at once.
func (m *MemoryStore) SaveAll(ctx context.Context, sessions map[string]SessionData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	for id, sd := range sessions {
		dataCopy := make([]byte, len(sd.Data))
		copy(dataCopy, sd.Data)
		m.saveLocked(id, dataCopy, sd.ExpiresAt)
	}
	return nil
}

// Close shuts down the store and releases resources.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.done)
	m.sessions = nil
	m.lru = nil
	return nil
}

// Count returns the number of records in the store, for monitoring and
// tests.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	now := time.Now()
	var expired []string
	for id, rec := range m.sessions {
		if now.After(rec.expiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.deleteLocked(id)
	}
}
