// Package model is the metadata store of the sidecar. It keeps bundles,
// assets, the garbage collection queue and a few singletons in an embedded
// database. Writes are serialized through a FIFO transaction lock; reads
// run against a snapshot without waiting for writers.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/sidecar"
	"github.com/wolfeidau/sidecar/platform"
	"github.com/wolfeidau/sidecar/store/metadb"
	"github.com/wolfeidau/sidecar/store/txlock"
	"github.com/wolfeidau/sidecar/telemetry"
)

var (
	// ErrNotFound is returned when the targeted record does not exist.
	ErrNotFound = errors.New("model: not found")

	// ErrShiftSelf is returned when a bundle's storage is shifted onto itself.
	ErrShiftSelf = errors.New("model: source and destination are the same bundle")
)

// Model is the metadata store.
type Model struct {
	db     *metadb.BoltDB
	lock   *txlock.Lock[*metadb.Tx]
	dir    *platform.Dir
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger *slog.Logger
	dir    *platform.Dir
	meter  metric.Meter
	noSync bool
}

// Option configures a Model.
type Option func(*options)

// WithLogger sets the logger for the model and its store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPlatform sets the platform directory used to allocate asset paths.
// Defaults to the directory holding the database file.
func WithPlatform(dir *platform.Dir) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithMetrics records transaction lock wait times on meter.
func WithMetrics(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(o *options) {
		o.noSync = noSync
	}
}

// Open opens or creates the store at path.
func Open(path string, opts ...Option) (*Model, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "model")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dir := o.dir
	if dir == nil {
		d, err := platform.New(filepath.Dir(path))
		if err != nil {
			return nil, err
		}
		dir = d
	}

	db := metadb.NewBoltDB(metadb.WithLogger(logger), metadb.WithNoSync(o.noSync))
	if err := db.Open(path, collections...); err != nil {
		return nil, err
	}

	lockOpts := []txlock.Option{txlock.WithLogger(logger)}
	if o.meter != nil {
		lockOpts = append(lockOpts, txlock.WithMetrics(o.meter))
	}

	logger.Info("opened metadata store", "path", path, "platform", dir.Root())
	return &Model{
		db:     db,
		lock:   txlock.New[*metadb.Tx](db, lockOpts...),
		dir:    dir,
		logger: logger,
	}, nil
}

// Lock exposes the write lock so a caller can hold it across several
// operations with a manual session.
func (m *Model) Lock() *txlock.Lock[*metadb.Tx] {
	return m.lock
}

// Platform returns the platform directory used for asset paths.
func (m *Model) Platform() *platform.Dir {
	return m.dir
}

// Close rejects new writes and closes the store. It waits for an open
// transaction to finish. Writers already queued on the lock are not woken.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		m.lock.Close()
		m.closeErr = m.db.Close()
		m.logger.Info("closed metadata store")
	})
	return m.closeErr
}

// Trusted reports whether link names a well-known application or one the
// store already has a bundle for.
func (m *Model) Trusted(ctx context.Context, link string) (bool, error) {
	origin, err := sidecar.CanonicalOrigin(link)
	if err != nil {
		return false, err
	}
	for _, key := range sidecar.Aliases {
		if origin == sidecar.ProtocolPear+"//"+key.String() {
			return true, nil
		}
	}

	_, err = m.GetBundle(ctx, origin)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// update runs fn in a locked writable transaction and records the outcome.
func (m *Model) update(ctx context.Context, op string, fn func(tx *metadb.Tx) error) error {
	start := time.Now()
	err := m.lock.Do(ctx, func(tx *metadb.Tx) error {
		m.logger.Debug("write", "op", op, "tx_id", tx.ID())
		return fn(tx)
	})
	m.observe(ctx, op, start, err)
	return err
}

// view runs fn in a read-only snapshot and records the outcome.
func (m *Model) view(ctx context.Context, op string, fn func(tx *metadb.Tx) error) error {
	start := time.Now()
	err := m.db.View(ctx, fn)
	m.observe(ctx, op, start, err)
	return err
}

func (m *Model) observe(ctx context.Context, op string, start time.Time, err error) {
	outcome := telemetry.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		outcome = telemetry.OutcomeNotFound
	default:
		outcome = telemetry.OutcomeError
		m.logger.Debug("operation failed", "op", op, "error", err)
	}
	telemetry.RecordModelOp(ctx, op, outcome, time.Since(start))
}

// get decodes one record, mapping a missing key to ErrNotFound.
func get[T any](tx *metadb.Tx, collection, key string) (*T, error) {
	var v T
	if err := tx.Get(collection, key, &v); err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// all decodes every record of a collection in key order.
func all[T any](tx *metadb.Tx, collection string) ([]T, error) {
	var out []T
	err := tx.Each(collection, func(_ string, decode func(any) error) error {
		var v T
		if err := decode(&v); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
