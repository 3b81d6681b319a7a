package release

import (
	"sync"
	"time"
)

type debounceState int

const (
	stateIdle debounceState = iota
	statePending
)

// debouncer coalesces triggers into one call of fire, made once no trigger
// has arrived for delay. It is idle or pending and owns at most one timer.
type debouncer struct {
	clock Clock
	delay time.Duration
	fire  func()

	mu      sync.Mutex
	state   debounceState
	timer   Timer
	gen     uint64
	stopped bool
}

func newDebouncer(clock Clock, delay time.Duration, fire func()) *debouncer {
	return &debouncer{clock: clock, delay: delay, fire: fire}
}

// trigger moves to pending and re-arms the timer.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.state = statePending
	d.timer = d.clock.AfterFunc(d.delay, func() { d.expire(gen) })
}

// expire runs on the clock's goroutine. A timer superseded by a later
// trigger, or one that fires after stop, does nothing.
func (d *debouncer) expire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.state = stateIdle
	d.timer = nil
	d.mu.Unlock()

	d.fire()
}

func (d *debouncer) pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == statePending
}

// stop cancels a pending fire and ignores later triggers.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.state = stateIdle
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
