// Package store provides persistent storage for coven-witness using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one interface per
// concern:
//
//   - IdentityStore: registered agent identities
//   - ChallengeStore: outstanding one-time challenges
//   - SigningKeyStore: versioned session token secrets
//   - RevocationStore: revoked token digests
//   - ContentStore: accepted content units and their evidence
//   - WitnessStore: the hash chained audit log
//   - AccountStore: purge of an identity's personal data
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries.
//
// # Atomic operations
//
// Two operations are single statements or single transactions so that a
// cancelled caller can never observe a half-applied state:
//
//   - ConsumeChallenge is DELETE ... RETURNING; of any number of concurrent
//     callers exactly one receives the row.
//   - RotateSigningKey demotes the active version and inserts its successor in one
//     transaction; a partial unique index guarantees at most one active version.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The default driver is modernc.org/sqlite (pure Go, driver name "sqlite").
// github.com/mattn/go-sqlite3 is available as driver name "sqlite3" for builds
// with cgo. The pool is pinned to one connection.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: insert collided with a unique key
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration tests.
package store
