package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/pkg/metrics"
)

// BoltStore implements Store on top of go.etcd.io/bbolt, the way
// cuemby-warren/pkg/storage.BoltStore wraps the same library: one bucket per
// table, created up front, JSON-free here since callers already hand us
// encoded bytes.
type BoltStore struct {
	db       *bolt.DB
	fileLock *flock.Flock
	tables   []string
}

// Options configure a BoltStore.
type Options struct {
	// Path is the database file path.
	Path string
	// Tables lists every bucket to create on open (schema.AllCoreTables()).
	Tables []string
	// OpenTimeout bounds how long Open waits on the bbolt file lock.
	OpenTimeout time.Duration
	// MaxRetries is not read: Update's retry budget is a fixed 2-second
	// elapsed-time limit on its exponential backoff.
	MaxRetries uint64
}

// Open creates or opens a BoltDB-backed store at opts.Path, guarded by an
// OS-level file lock (github.com/gofrs/flock, grounded on
// untoldecay-BeadsLog/cmd/bd/sync.go) so that two host processes never open
// the same store file concurrently — bbolt itself only protects against
// concurrent access from goroutines within one process.
func Open(opts Options) (*BoltStore, error) {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 5 * time.Second
	}

	lockPath := opts.Path + ".lock"
	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(context.Background(), opts.OpenTimeout)
	locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, coreerr.New(coreerr.Aborted, "store %s is already open in another process", opts.Path)
	}

	db, err := bolt.Open(opts.Path, 0600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("open bbolt db %s: %w", opts.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range opts.Tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return fmt.Errorf("create bucket %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		_ = fl.Unlock()
		return nil, err
	}

	return &BoltStore{db: db, fileLock: fl, tables: opts.Tables}, nil
}

func (s *BoltStore) Close() error {
	err := s.db.Close()
	if unlockErr := s.fileLock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// View runs fn inside a read-only bbolt transaction.
func (s *BoltStore) View(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return coreerr.Wrap(coreerr.Aborted, err, "view cancelled before start")
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreTxDuration, "view")
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTx{btx: btx, writable: false})
	})
}

// Update runs fn inside a read-write bbolt transaction, retrying with
// exponential backoff (github.com/cenkalti/backoff/v4, grounded on
// steveyegge-beads/internal/storage/dolt/store.go) on transient conflicts.
// bbolt itself serializes writers with an internal lock, so the only
// errors this retries are bolt.ErrTimeout and bolt.ErrDatabaseNotOpen;
// everything else (including
// caller-raised *coreerr.CoreError) is returned immediately, non-retryable.
func (s *BoltStore) Update(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return coreerr.Wrap(coreerr.Aborted, err, "update cancelled before start")
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreTxDuration, "update")

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Second
	bo.InitialInterval = 5 * time.Millisecond

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(coreerr.Wrap(coreerr.Aborted, err, "update cancelled mid-retry"))
		}
		err := s.db.Update(func(btx *bolt.Tx) error {
			return fn(&boltTx{btx: btx, writable: true})
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen) {
			metrics.StoreConflictsTotal.Inc()
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}
		return coreerr.Wrap(coreerr.StoreConflict, err, "transaction retry budget exhausted")
	}
	return nil
}

type boltTx struct {
	btx      *bolt.Tx
	writable bool
}

func (t *boltTx) Table(name string) (Table, error) {
	if t.writable {
		b, err := t.btx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return nil, err
		}
		return &boltTable{b: b}, nil
	}
	b := t.btx.Bucket([]byte(name))
	if b == nil {
		return &emptyTable{}, nil
	}
	return &boltTable{b: b}, nil
}

type boltTable struct {
	b *bolt.Bucket
}

func (t *boltTable) Get(key []byte) ([]byte, error) {
	v := t.b.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *boltTable) Put(key, value []byte) error { return t.b.Put(key, value) }
func (t *boltTable) Delete(key []byte) error      { return t.b.Delete(key) }

func (t *boltTable) CountPrefix(prefix []byte) (int, error) {
	n := 0
	c := t.b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	return n, nil
}

func (t *boltTable) Cursor() Cursor {
	return &boltCursor{c: t.b.Cursor()}
}

type boltCursor struct {
	c *bolt.Cursor
}

func (c *boltCursor) First() (key, value []byte) { return c.c.First() }
func (c *boltCursor) Seek(prefix []byte) (key, value []byte) { return c.c.Seek(prefix) }
func (c *boltCursor) Next() (key, value []byte) { return c.c.Next() }

func (c *boltCursor) PrefixNext(prefix []byte) (key, value []byte) {
	k, v := c.c.Next()
	if k == nil || !hasPrefix(k, prefix) {
		return nil, nil
	}
	return k, v
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// emptyTable is returned by read-only transactions for buckets that have
// never been created (e.g. a per-node-type entity table before the first
// node of that type exists).
type emptyTable struct{}

func (emptyTable) Get([]byte) ([]byte, error)      { return nil, nil }
func (emptyTable) Put([]byte, []byte) error        { return fmt.Errorf("kvstore: table is read-only") }
func (emptyTable) Delete([]byte) error              { return fmt.Errorf("kvstore: table is read-only") }
func (emptyTable) CountPrefix([]byte) (int, error) { return 0, nil }
func (emptyTable) Cursor() Cursor                  { return &emptyCursor{} }

type emptyCursor struct{}

func (emptyCursor) First() (key, value []byte)            { return nil, nil }
func (emptyCursor) Seek(prefix []byte) (key, value []byte) { return nil, nil }
func (emptyCursor) Next() (key, value []byte)             { return nil, nil }
func (emptyCursor) PrefixNext(prefix []byte) (key, value []byte) { return nil, nil }
