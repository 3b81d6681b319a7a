// Package release turns mutation events on an application's content log
// into coalesced version updates.
package release

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/sidecar"
)

// DefaultDebounce is the quiet period after the last event before a
// recompute runs.
const DefaultDebounce = 50 * time.Millisecond

// EventKind is a content log mutation.
type EventKind int

const (
	// Append means blocks were added to the log.
	Append EventKind = iota
	// Truncate means the log was cut back, bumping its fork.
	Truncate
)

func (k EventKind) String() string {
	switch k {
	case Append:
		return "append"
	case Truncate:
		return "truncate"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Drive is the watched application content.
type Drive interface {
	// Key is nil for a local, unreplicated target.
	Key() *sidecar.Key
	// Root is the directory of a local target.
	Root() string
	Length() uint64
	Fork() uint64
	// Release reads the release pointer from the drive's own database.
	// ok is false when no pointer has been set.
	Release(ctx context.Context) (length uint64, ok bool, err error)
	// Subscribe registers fn for append and truncate events and returns a
	// function that removes the registration.
	Subscribe(fn func(EventKind)) (unsubscribe func())
}

// Update announces a version newer than the checkout. Local targets emit
// the zero Update on every change batch.
type Update struct {
	Key    *sidecar.Key `json:"key"`
	Length uint64       `json:"length"`
	Fork   uint64       `json:"fork"`
}

// Watcher streams updates until closed.
type Watcher interface {
	// Next blocks for the next update. It returns stream.ErrClosed once the
	// watcher is closed and drained.
	Next(ctx context.Context) (Update, error)
	Close() error
}

type options struct {
	clock    Clock
	debounce time.Duration
	logger   *slog.Logger
	releases bool
}

// Option configures a watcher.
type Option func(*options)

// WithClock replaces the clock driving the debounce timer.
func WithClock(clock Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithDebounce sets the quiet period before a recompute.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.debounce = d
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithReleasePointer controls whether the drive's release pointer is
// consulted. When disabled only the raw log length is compared.
func WithReleasePointer(enabled bool) Option {
	return func(o *options) {
		o.releases = enabled
	}
}

func newOptions(opts []Option) options {
	o := options{
		clock:    realClock{},
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		releases: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Watch starts watching drive for versions beyond checkout. Keyed drives
// are watched through their log events, local drives through the
// filesystem under Root.
func Watch(checkout uint64, drive Drive, opts ...Option) (Watcher, error) {
	if drive.Key() != nil {
		return NewDriveWatcher(checkout, drive, opts...), nil
	}
	w, err := NewLocalWatcher(drive.Root(), opts...)
	if err != nil {
		return nil, err
	}
	return w, nil
}
