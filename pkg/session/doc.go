// Package session implements the cookie session: an identified bag of
// values with structural change detection, monotonic versioning and a
// rolling branch-protection salt.
//
// # Snapshot, View, Commit
//
// A committed session is a Snapshot. Method code never touches a
// Snapshot directly; each call gets a View, a deep copy it may read and
// mutate freely:
//
//	v := session.NewView(snap, defaults, nil)
//	val, _ := v.Get("cart")
//	_ = v.Set("cart", updated)
//
// When the call finishes, the view is compared against its baseline.
// Only a real difference commits: the commit assigns an id when none
// existed, increments the version, rolls bpSalt and keeps the previous
// salt so a client holding the prior cookie is still recognized.
// Writing values back to their baseline produces no commit and, for
// anonymous requests, no Set-Cookie at all.
//
// # Cookie
//
// The browser cookie does not carry the session record. It carries a
// sealed claim of {id, version, bpSalt}; the record itself lives in a
// SessionStore. A claim whose salt matches neither the current nor the
// previous salt belongs to a forked or stale branch and is ignored.
//
// # Stores
//
// The SessionStore interface defines the persistence contract:
//
//	store := session.NewMemoryStore()
//	// or
//	store := session.NewSQLStore(db)
//	// or
//	store := session.NewRedisStore(redisClient)
//	// or
//	store := session.NewS3Store(s3Client, "bucket")
//
// MemoryStore suits a single process; the others share state between
// instances.
package session
