// Package txlock bounds a transactional store to one in-flight writable
// transaction. Writers queue in FIFO order. A manual session holds the
// write slot across several steps and releases it through a one-shot token.
package txlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrClosed is returned by Enter and Manual after Close.
	ErrClosed = errors.New("txlock: closed")

	// ErrReleased is returned when a manual token is used a second time.
	ErrReleased = errors.New("txlock: token already released")

	// ErrNestedManual is returned when Manual is called with a context that
	// already carries a live token for the same lock.
	ErrNestedManual = errors.New("txlock: manual session already active")

	// ErrSessionFailed is returned once an operation inside a manual session
	// has been aborted. The session can only be rolled back from then on.
	ErrSessionFailed = errors.New("txlock: manual session failed")
)

// Store is the transactional primitive the lock serializes.
type Store[T any] interface {
	Begin(ctx context.Context) (T, error)
	Commit(tx T) error
	Rollback(tx T) error
}

// Mode reports whether Exit releases the write slot.
type Mode int

const (
	// Auto releases the slot on every Exit.
	Auto Mode = iota
	// Manual defers release to the active token.
	Manual
)

func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Manual:
		return "manual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type options struct {
	logger *slog.Logger
	meter  metric.Meter
}

// Option configures a Lock.
type Option func(*options)

// WithLogger sets the logger for the lock.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records queue wait times on the given meter.
func WithMetrics(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// Lock is a FIFO mutual-exclusion queue in front of a Store.
type Lock[T comparable] struct {
	store  Store[T]
	logger *slog.Logger
	wait   metric.Float64Histogram

	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
	closed  bool
	mode    Mode
	token   *Token[T]
}

// New creates a lock over store.
func New[T comparable](store Store[T], opts ...Option) *Lock[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Lock[T]{
		store:  store,
		logger: o.logger.With("component", "txlock"),
	}
	if o.meter != nil {
		wait, err := o.meter.Float64Histogram(
			"sidecar_txlock_wait_seconds",
			metric.WithDescription("Time spent queued for the write slot"),
			metric.WithUnit("s"),
		)
		if err != nil {
			l.logger.Warn("failed to create wait histogram", "error", err)
		} else {
			l.wait = wait
		}
	}
	return l
}

// Mode returns the current mode.
func (l *Lock[T]) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Waiting returns the number of queued callers.
func (l *Lock[T]) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Close rejects further Enter and Manual calls. Callers already queued stay
// queued until the slot reaches them or their context ends.
func (l *Lock[T]) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Enter waits for the write slot and begins a transaction. A context from
// Token.Context returns the session's transaction without queueing.
func (l *Lock[T]) Enter(ctx context.Context) (T, error) {
	var zero T
	if tok := l.tokenFrom(ctx); tok != nil {
		if err := l.sessionErr(tok); err != nil {
			return zero, err
		}
		return tok.tx, nil
	}

	if err := l.acquire(ctx); err != nil {
		return zero, err
	}

	tx, err := l.store.Begin(ctx)
	if err != nil {
		l.release()
		return zero, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// Exit commits tx and releases the slot. The slot is released even when
// the commit fails. Exit on a manual session's transaction is a no-op.
func (l *Lock[T]) Exit(_ context.Context, tx T) error {
	if l.isSession(tx) {
		return nil
	}
	defer l.release()

	if err := l.store.Commit(tx); err != nil {
		l.logger.Warn("commit failed", "error", err)
		return err
	}
	return nil
}

// Abort rolls tx back and releases the slot. Aborting a manual session's
// transaction leaves the slot held but marks the session failed: later
// joins are refused and Release rolls back instead of committing.
func (l *Lock[T]) Abort(ctx context.Context, tx T) error {
	return l.abort(ctx, tx, nil)
}

func (l *Lock[T]) abort(_ context.Context, tx T, cause error) error {
	if l.poison(tx, cause) {
		return nil
	}
	defer l.release()
	return l.store.Rollback(tx)
}

// Do runs fn inside a transaction. The transaction commits when fn returns
// nil and is rolled back when fn fails or panics.
func (l *Lock[T]) Do(ctx context.Context, fn func(tx T) error) error {
	tx, err := l.Enter(ctx)
	if err != nil {
		return err
	}

	var fnErr error
	finished := false
	defer func() {
		if finished {
			return
		}
		if err := l.abort(ctx, tx, fnErr); err != nil {
			l.logger.Warn("rollback failed", "error", err)
		}
	}()

	if fnErr = fn(tx); fnErr != nil {
		return fnErr
	}
	finished = true
	return l.Exit(ctx, tx)
}

// Manual waits for the write slot, begins a transaction and switches the
// lock to Manual mode. The slot is held until the token is released.
func (l *Lock[T]) Manual(ctx context.Context) (*Token[T], error) {
	if l.tokenFrom(ctx) != nil {
		return nil, ErrNestedManual
	}

	if err := l.acquire(ctx); err != nil {
		return nil, err
	}

	tx, err := l.store.Begin(ctx)
	if err != nil {
		l.release()
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	tok := &Token[T]{lock: l, tx: tx}
	l.mu.Lock()
	l.mode = Manual
	l.token = tok
	l.mu.Unlock()

	l.logger.Debug("manual session started")
	return tok, nil
}

func (l *Lock[T]) acquire(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.mu.Unlock()
		l.recordWait(ctx, start)
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		l.recordWait(ctx, start)
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()

	// The slot was handed to us while we were giving up.
	l.release()
	return ctx.Err()
}

// release hands the slot to the next waiter, or frees it.
func (l *Lock[T]) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.held = false
}

func (l *Lock[T]) recordWait(ctx context.Context, start time.Time) {
	if l.wait == nil {
		return
	}
	l.wait.Record(ctx, time.Since(start).Seconds())
}

func (l *Lock[T]) isSession(tx T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token != nil && l.token.tx == tx
}

// poison marks the session owning tx as failed and reports whether tx
// belongs to a session. The first cause is kept.
func (l *Lock[T]) poison(tx T, cause error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == nil || l.token.tx != tx {
		return false
	}
	if l.token.failed == nil {
		if cause == nil {
			cause = errors.New("aborted")
		}
		l.token.failed = fmt.Errorf("%w: %w", ErrSessionFailed, cause)
		l.logger.Debug("manual session failed", "error", cause)
	}
	return true
}

func (l *Lock[T]) sessionErr(tok *Token[T]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return tok.failed
}

func (l *Lock[T]) tokenFrom(ctx context.Context) *Token[T] {
	tok, ok := ctx.Value(tokenKey{}).(*Token[T])
	if !ok || tok.lock != l {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != tok {
		return nil
	}
	return tok
}

type tokenKey struct{}

// Token is the single-use capability that ends a manual session.
type Token[T comparable] struct {
	lock   *Lock[T]
	tx     T
	once   sync.Once
	failed error // guarded by lock.mu
}

// Tx returns the session's transaction.
func (t *Token[T]) Tx() T {
	return t.tx
}

// Context returns a child of parent that joins this session: Enter returns
// the session's transaction and Exit leaves it open.
func (t *Token[T]) Context(parent context.Context) context.Context {
	return context.WithValue(parent, tokenKey{}, t)
}

// Release commits the session's transaction, releases the slot and restores
// Auto mode. Only the first call has an effect; later calls return ErrReleased.
// A failed session is rolled back and Release returns ErrSessionFailed.
func (t *Token[T]) Release() error {
	return t.finish(true)
}

// Abandon is Release with a rollback instead of a commit.
func (t *Token[T]) Abandon() error {
	return t.finish(false)
}

func (t *Token[T]) finish(commit bool) error {
	err := ErrReleased
	t.once.Do(func() {
		l := t.lock
		defer func() {
			l.mu.Lock()
			l.token = nil
			l.mode = Auto
			l.mu.Unlock()
			l.release()
			l.logger.Debug("manual session ended", "committed", commit && err == nil)
		}()

		failed := l.sessionErr(t)
		switch {
		case commit && failed != nil:
			err = errors.Join(failed, l.store.Rollback(t.tx))
		case commit:
			err = l.store.Commit(t.tx)
		default:
			err = l.store.Rollback(t.tx)
		}
		if err != nil {
			l.logger.Warn("manual session finish failed", "commit", commit, "error", err)
		}
	})
	return err
}
