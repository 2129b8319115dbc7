package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore keeps session records in a relational database through any
// database/sql driver. It expects a table of this shape (PostgreSQL
// syntax; CreateTable issues the dialect-specific version):
//
//	CREATE TABLE wirecall_sessions (
//	    id VARCHAR(64) PRIMARY KEY,
//	    data BYTEA NOT NULL,
//	    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
//	    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
//	);
//	CREATE INDEX idx_wirecall_sessions_expires ON wirecall_sessions(expires_at);
type SQLStore struct {
	db              *sql.DB
	queries         sqlQueries
	cleanupInterval time.Duration
	closed          bool
	done            chan struct{}
}

// SQLDialect selects the SQL flavor for query generation.
type SQLDialect int

const (
	// DialectPostgreSQL uses $n placeholders and ON CONFLICT upserts.
	DialectPostgreSQL SQLDialect = iota
	// DialectMySQL uses ? placeholders and ON DUPLICATE KEY upserts.
	DialectMySQL
	// DialectSQLite uses ? placeholders and INSERT OR REPLACE.
	DialectSQLite
)

// sqlQueries is the full query set of one store, rendered once at
// construction for its dialect and table name.
type sqlQueries struct {
	upsert      string
	load        string
	delete      string
	touch       string
	sweep       string
	createTable string
	createIndex string
}

func buildQueries(dialect SQLDialect, table string) sqlQueries {
	switch dialect {
	case DialectMySQL:
		return sqlQueries{
			upsert: fmt.Sprintf(`INSERT INTO %s (id, data, expires_at, updated_at)
				VALUES (?, ?, ?, NOW())
				ON DUPLICATE KEY UPDATE
					data = VALUES(data), expires_at = VALUES(expires_at), updated_at = NOW()`, table),
			load:   fmt.Sprintf(`SELECT data FROM %s WHERE id = ? AND expires_at > NOW()`, table),
			delete: fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table),
			touch:  fmt.Sprintf(`UPDATE %s SET expires_at = ?, updated_at = NOW() WHERE id = ?`, table),
			sweep:  fmt.Sprintf(`DELETE FROM %s WHERE expires_at < NOW()`, table),
			createTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id VARCHAR(64) PRIMARY KEY,
					data BLOB NOT NULL,
					expires_at DATETIME NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
				)`, table),
			createIndex: fmt.Sprintf(`CREATE INDEX idx_%s_expires ON %s(expires_at)`, table, table),
		}
	case DialectSQLite:
		return sqlQueries{
			upsert: fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, data, expires_at, updated_at)
				VALUES (?, ?, ?, datetime('now'))`, table),
			load:   fmt.Sprintf(`SELECT data FROM %s WHERE id = ? AND expires_at > datetime('now')`, table),
			delete: fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table),
			touch:  fmt.Sprintf(`UPDATE %s SET expires_at = ?, updated_at = datetime('now') WHERE id = ?`, table),
			sweep:  fmt.Sprintf(`DELETE FROM %s WHERE expires_at < datetime('now')`, table),
			createTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					data BLOB NOT NULL,
					expires_at TEXT NOT NULL,
					updated_at TEXT DEFAULT (datetime('now'))
				)`, table),
			createIndex: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at)`, table, table),
		}
	default: // DialectPostgreSQL
		return sqlQueries{
			upsert: fmt.Sprintf(`INSERT INTO %s (id, data, expires_at, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (id) DO UPDATE SET
					data = EXCLUDED.data, expires_at = EXCLUDED.expires_at, updated_at = NOW()`, table),
			load:   fmt.Sprintf(`SELECT data FROM %s WHERE id = $1 AND expires_at > NOW()`, table),
			delete: fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table),
			touch:  fmt.Sprintf(`UPDATE %s SET expires_at = $1, updated_at = NOW() WHERE id = $2`, table),
			sweep:  fmt.Sprintf(`DELETE FROM %s WHERE expires_at < NOW()`, table),
			createTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id VARCHAR(64) PRIMARY KEY,
					data BYTEA NOT NULL,
					expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				)`, table),
			createIndex: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at)`, table, table),
		}
	}
}

// SQLStoreOption configures SQLStore behavior.
type SQLStoreOption func(*sqlStoreConfig)

type sqlStoreConfig struct {
	tableName       string
	dialect         SQLDialect
	cleanupInterval time.Duration
}

// WithSQLTableName sets the table name. Default: "wirecall_sessions".
func WithSQLTableName(name string) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.tableName = name
	}
}

// WithSQLDialect sets the SQL dialect. Default: DialectPostgreSQL.
func WithSQLDialect(dialect SQLDialect) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.dialect = dialect
	}
}

// WithSQLCleanupInterval sets how often expired records are swept.
// Default: 5 minutes.
func WithSQLCleanupInterval(d time.Duration) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.cleanupInterval = d
	}
}

// NewSQLStore creates a SQL-backed session store.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	cfg := &sqlStoreConfig{
		tableName:       "wirecall_sessions",
		dialect:         DialectPostgreSQL,
		cleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := &SQLStore{
		db:              db,
		queries:         buildQueries(cfg.dialect, cfg.tableName),
		cleanupInterval: cfg.cleanupInterval,
		done:            make(chan struct{}),
	}

	go store.cleanupLoop()
	return store
}

// Save upserts a record.
func (s *SQLStore) Save(ctx context.Context, sessionID string, data []byte, expiresAt time.Time) error {
	if s.closed {
		return ErrStoreClosed{}
	}
	_, err := s.db.ExecContext(ctx, s.queries.upsert, sessionID, data, expiresAt)
	return err
}

// Load retrieves a live record, (nil, nil) when absent or expired.
func (s *SQLStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	if s.closed {
		return nil, ErrStoreClosed{}
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, s.queries.load, sessionID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a record.
func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	if s.closed {
		return ErrStoreClosed{}
	}
	_, err := s.db.ExecContext(ctx, s.queries.delete, sessionID)
	return err
}

// Touch updates the expiration time of a record.
func (s *SQLStore) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if s.closed {
		return ErrStoreClosed{}
	}
	_, err := s.db.ExecContext(ctx, s.queries.touch, expiresAt, sessionID)
	return err
}

// SaveAll upserts multiple records inside one transaction.
func (s *SQLStore) SaveAll(ctx context.Context, sessions map[string]SessionData) error {
	if s.closed {
		return ErrStoreClosed{}
	}
	if len(sessions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.queries.upsert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, sd := range sessions {
		if _, err := stmt.ExecContext(ctx, id, sd.Data, sd.ExpiresAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close stops the sweeper. The *sql.DB stays open, it may be shared
// with other components.
func (s *SQLStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *SQLStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.done:
			return
		}
	}
}

func (s *SQLStore) cleanup() {
	if s.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.db.ExecContext(ctx, s.queries.sweep)
}

// CreateTable creates the session table and its expiry index. Meant
// for development and tests; production schemas belong in migrations.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.queries.createTable); err != nil {
		return err
	}
	// MySQL lacks IF NOT EXISTS on indexes; a duplicate is harmless.
	s.db.ExecContext(ctx, s.queries.createIndex)
	return nil
}
