// Package metadb is an embedded transactional store of named collections.
// Each collection maps string keys to records encoded through an envelope.
package metadb

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("metadb: not found")

	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("metadb: closed")

	// ErrUnknownCollection is returned for a collection not created at Open.
	ErrUnknownCollection = errors.New("metadb: unknown collection")
)

// MetaDB provides record storage for the sidecar.
type MetaDB interface {
	// Lifecycle
	Open(path string, collections ...string) error
	Close() error

	// Writable transactions
	Begin(ctx context.Context) (*Tx, error)
	Commit(tx *Tx) error
	Rollback(tx *Tx) error

	// Read-only snapshot
	View(ctx context.Context, fn func(tx *Tx) error) error
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
