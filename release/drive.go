package release

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wolfeidau/sidecar/stream"
	"github.com/wolfeidau/sidecar/telemetry"
)

// DriveWatcher emits an Update when a keyed drive moves past the checkout.
type DriveWatcher struct {
	drive    Drive
	checkout uint64
	releases bool
	logger   *slog.Logger

	deb         *debouncer
	updates     *stream.Queue[Update]
	unsubscribe func()

	runMu      sync.Mutex // one recompute at a time
	destroying atomic.Bool
	closeOnce  sync.Once
}

// NewDriveWatcher subscribes to drive's append and truncate events.
func NewDriveWatcher(checkout uint64, drive Drive, opts ...Option) *DriveWatcher {
	o := newOptions(opts)
	logger := o.logger.With("component", "release")
	if key := drive.Key(); key != nil {
		logger = logger.With("key", key.ShortString())
	}

	w := &DriveWatcher{
		drive:    drive,
		checkout: checkout,
		releases: o.releases,
		logger:   logger,
		updates:  stream.NewQueue[Update](),
	}
	w.deb = newDebouncer(o.clock, o.debounce, w.recompute)
	w.unsubscribe = drive.Subscribe(func(kind EventKind) {
		w.logger.Debug("drive event", "kind", kind)
		w.deb.trigger()
	})
	return w
}

// Next returns the next update.
func (w *DriveWatcher) Next(ctx context.Context) (Update, error) {
	return w.updates.Next(ctx)
}

// Close unsubscribes from the drive and cancels a pending recompute. A
// recompute already reading the drive discards its result.
func (w *DriveWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.destroying.Store(true)
		w.unsubscribe()
		w.deb.stop()
		w.updates.Close()
	})
	return nil
}

func (w *DriveWatcher) recompute() {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.destroying.Load() {
		return
	}

	ctx := context.Background()
	length := w.drive.Length()
	fork := w.drive.Fork()

	var (
		release uint64
		ok      bool
	)
	if w.releases {
		var err error
		release, ok, err = w.drive.Release(ctx)
		if err != nil {
			w.logger.Debug("release recompute failed", "error", err)
			telemetry.RecordReleaseError(ctx)
			return
		}
	}

	if w.destroying.Load() {
		return
	}

	target, emit := nextVersion(w.checkout, length, release, ok)
	if !emit {
		return
	}

	w.logger.Debug("release update", "length", target, "fork", fork)
	w.updates.Push(Update{Key: w.drive.Key(), Length: target, Fork: fork})
	telemetry.RecordReleaseUpdate(ctx, "drive")
}

// nextVersion decides what to announce. A release pointer, when present,
// is authoritative even when it is not past checkout.
func nextVersion(checkout, length, release uint64, hasRelease bool) (uint64, bool) {
	if hasRelease {
		return release, release > checkout
	}
	return length, length > checkout
}
