package metadb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt. Each collection is a top-level bucket.
type BoltDB struct {
	mu          sync.RWMutex
	db          *bbolt.DB
	codec       *EnvelopeCodec
	collections []string
	logger      *slog.Logger
	noSync      bool // disables fsync per transaction (for testing only)
	timeout     time.Duration
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// WithOpenTimeout bounds how long Open waits for the file lock held by
// another process.
func WithOpenTimeout(d time.Duration) BoltDBOption {
	return func(b *BoltDB) {
		b.timeout = d
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger:  slog.Default(),
		timeout: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path and creates any missing
// collections.
func (b *BoltDB) Open(path string, collections ...string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: b.timeout,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := createBuckets(db, collections); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewEnvelopeCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}

	b.mu.Lock()
	b.db = db
	b.codec = codec
	b.collections = slices.Clone(collections)
	b.mu.Unlock()

	b.logger.Debug("opened metadb", "path", path, "collections", collections, "noSync", b.noSync)
	return nil
}

func createBuckets(db *bbolt.DB, names []string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources. It waits for an open
// writable transaction to finish. Calling Close more than once is a no-op.
func (b *BoltDB) Close() error {
	b.mu.Lock()
	db, codec := b.db, b.codec
	b.db, b.codec = nil, nil
	b.mu.Unlock()

	if db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := db.Close()
	codec.Close()
	return err
}

// Collections returns the collection names created at Open.
func (b *BoltDB) Collections() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.collections)
}

func (b *BoltDB) handles() (*bbolt.DB, *EnvelopeCodec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, nil, ErrClosed
	}
	return b.db, b.codec, nil
}

// Begin starts a writable transaction. bbolt allows a single writer, so
// callers are expected to serialize through a lock.
func (b *BoltDB) Begin(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, codec, err := b.handles()
	if err != nil {
		return nil, err
	}

	btx, err := db.Begin(true)
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	tx := &Tx{tx: btx, codec: codec, id: uuid.NewString()}
	b.logger.Debug("begin transaction", "tx_id", tx.id)
	return tx, nil
}

// Commit writes the transaction to disk.
func (b *BoltDB) Commit(tx *Tx) error {
	if err := tx.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction %s: %w", tx.id, err)
	}
	b.logger.Debug("commit transaction", "tx_id", tx.id)
	return nil
}

// Rollback discards the transaction. Rolling back a finished transaction is
// a no-op.
func (b *BoltDB) Rollback(tx *Tx) error {
	if err := tx.tx.Rollback(); err != nil {
		if errors.Is(err, bbolt.ErrTxClosed) {
			return nil
		}
		return fmt.Errorf("rolling back transaction %s: %w", tx.id, err)
	}
	b.logger.Debug("rollback transaction", "tx_id", tx.id)
	return nil
}

// View runs fn in a read-only snapshot. It does not wait for writers.
func (b *BoltDB) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, codec, err := b.handles()
	if err != nil {
		return err
	}

	err = db.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{tx: btx, codec: codec})
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// Tx is a transaction over the collections. Values returned by Tx methods
// are decoded copies and stay valid after the transaction ends.
type Tx struct {
	tx    *bbolt.Tx
	codec *EnvelopeCodec
	id    string
}

// ID identifies a writable transaction in logs. Read-only snapshots have no ID.
func (t *Tx) ID() string {
	return t.id
}

// Writable reports whether the transaction can modify collections.
func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

func (t *Tx) bucket(collection string) (*bbolt.Bucket, error) {
	bucket := t.tx.Bucket([]byte(collection))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return bucket, nil
}

// Get decodes the record stored under key into v.
func (t *Tx) Get(collection, key string, v any) error {
	bucket, err := t.bucket(collection)
	if err != nil {
		return err
	}

	val := bucket.Get([]byte(key))
	if val == nil {
		return ErrNotFound
	}
	if err := t.codec.Unmarshal(val, v); err != nil {
		return fmt.Errorf("reading %s/%s: %w", collection, key, err)
	}
	return nil
}

// Has reports whether key exists in the collection.
func (t *Tx) Has(collection, key string) (bool, error) {
	bucket, err := t.bucket(collection)
	if err != nil {
		return false, err
	}
	return bucket.Get([]byte(key)) != nil, nil
}

// Insert stores v under key, replacing any existing record.
func (t *Tx) Insert(collection, key string, v any) error {
	bucket, err := t.bucket(collection)
	if err != nil {
		return err
	}

	data, err := t.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, key, err)
	}
	if err := bucket.Put([]byte(key), data); err != nil {
		return fmt.Errorf("putting %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Tx) Delete(collection, key string) error {
	bucket, err := t.bucket(collection)
	if err != nil {
		return err
	}
	if err := bucket.Delete([]byte(key)); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, key, err)
	}
	return nil
}

// Each calls fn for every record in key order. decode unmarshals the current
// record. fn must not modify the collection.
func (t *Tx) Each(collection string, fn func(key string, decode func(v any) error) error) error {
	bucket, err := t.bucket(collection)
	if err != nil {
		return err
	}

	return bucket.ForEach(func(k, val []byte) error {
		key := string(k)
		return fn(key, func(v any) error {
			if err := t.codec.Unmarshal(val, v); err != nil {
				return fmt.Errorf("reading %s/%s: %w", collection, key, err)
			}
			return nil
		})
	})
}

// First decodes the record with the smallest key into v and returns its key.
func (t *Tx) First(collection string, v any) (string, error) {
	bucket, err := t.bucket(collection)
	if err != nil {
		return "", err
	}

	k, val := bucket.Cursor().First()
	if k == nil {
		return "", ErrNotFound
	}
	key := string(k)
	if err := t.codec.Unmarshal(val, v); err != nil {
		return "", fmt.Errorf("reading %s/%s: %w", collection, key, err)
	}
	return key, nil
}

// Keys returns every key in the collection in order.
func (t *Tx) Keys(collection string) ([]string, error) {
	bucket, err := t.bucket(collection)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = bucket.ForEach(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	return keys, err
}

// Count returns the number of records in the collection.
func (t *Tx) Count(collection string) (int, error) {
	bucket, err := t.bucket(collection)
	if err != nil {
		return 0, err
	}
	n := 0
	err = bucket.ForEach(func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
