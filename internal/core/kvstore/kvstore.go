// Package kvstore is the C1 key-value store abstraction from spec.md §4.1:
// ordered, indexed tables written inside multi-table atomic transactions.
//
// It is modeled directly on cuemby/warren's pkg/storage (one bolt.DB, one
// bucket per table, db.Update/db.View closures) generalized from a
// method-per-resource-type store into a generic table/cursor abstraction so
// that schema (C2) can describe an arbitrary number of per-node-type tables
// without a new Go method for each one.
package kvstore

import "context"

// TxFunc is a unit of work run inside a single store transaction. Returning
// a non-nil error rolls the whole transaction back.
type TxFunc func(tx Tx) error

// Store is the top-level handle to the embedded database.
type Store interface {
	// Update runs fn inside a read-write transaction spanning any subset of
	// tables. On success the transaction commits atomically; on error it
	// rolls back. Transient write races surface as a *coreerr.CoreError with
	// code StoreConflict after the retry budget (see boltstore.go) is spent.
	Update(ctx context.Context, fn TxFunc) error

	// View runs fn inside a read-only transaction observing the latest
	// committed state.
	View(ctx context.Context, fn TxFunc) error

	// Close releases the underlying file and its lock.
	Close() error
}

// Tx is the transaction-scoped handle used to reach tables.
type Tx interface {
	// Table returns (creating if necessary, inside a write transaction) the
	// named table. Table names are schema.Table* constants.
	Table(name string) (Table, error)
}

// Table is one ordered key space. Keys are raw bytes so callers (schema)
// control the encoding used for lexicographic ordering (composite index
// keys, big-endian timestamps, etc).
type Table interface {
	Get(key []byte) ([]byte, error) // nil, nil if absent
	Put(key, value []byte) error
	Delete(key []byte) error

	// Cursor returns an ordered iterator over the table.
	Cursor() Cursor

	// CountPrefix returns the number of keys sharing the given prefix,
	// backing C5's maxChildren check and C4's group-entity bookkeeping.
	CountPrefix(prefix []byte) (int, error)
}

// Cursor iterates a Table in key order. A nil key from any method means
// iteration is exhausted.
type Cursor interface {
	First() (key, value []byte)
	Seek(prefix []byte) (key, value []byte)
	Next() (key, value []byte)
	// PrefixNext advances to the next entry sharing prefix, or returns a nil
	// key once the prefix range is exhausted.
	PrefixNext(prefix []byte) (key, value []byte)
}
