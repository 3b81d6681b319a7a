// Package tracer tracks which blocks of an application's two logs have been
// observed during a sync and reports growth as a stream of events.
package tracer

import (
	"context"
	"sync"

	"github.com/wolfeidau/sidecar/rangeset"
	"github.com/wolfeidau/sidecar/stream"
	"github.com/wolfeidau/sidecar/telemetry"
)

// Core names one of the two logical block streams.
type Core int

const (
	// Meta is the control-metadata log.
	Meta Core = 0
	// Data is the content-data log.
	Data Core = 1
)

func (c Core) String() string {
	switch c {
	case Meta:
		return "meta"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Event is emitted whenever the combined number of observed blocks grows.
type Event struct {
	Seq    uint64 `json:"seq"`
	Core   Core   `json:"core"`
	Blocks int    `json:"blocks"`
}

// Tracer accumulates observed block sequence numbers per core.
// Capture is safe to call from replication callbacks and never blocks.
type Tracer struct {
	mu     sync.Mutex
	meta   map[uint64]struct{}
	data   map[uint64]struct{}
	events *stream.Queue[Event]
}

// New creates an empty tracer.
func New() *Tracer {
	return &Tracer{
		meta:   make(map[uint64]struct{}),
		data:   make(map[uint64]struct{}),
		events: stream.NewQueue[Event](),
	}
}

// Capture records seq against core. An event is queued only when the
// combined total grew, so repeated sequence numbers are silent.
func (t *Tracer) Capture(seq uint64, core Core) {
	t.mu.Lock()
	before := len(t.meta) + len(t.data)
	switch core {
	case Meta:
		t.meta[seq] = struct{}{}
	case Data:
		t.data[seq] = struct{}{}
	}
	blocks := len(t.meta) + len(t.data)
	grew := blocks > before
	// Push under the lock so queued Blocks never decrease.
	if grew {
		t.events.Push(Event{Seq: seq, Core: core, Blocks: blocks})
	}
	t.mu.Unlock()

	if grew {
		telemetry.RecordTracerBlock(context.Background(), core.String())
	}
}

// CaptureData records seq against the Data core.
func (t *Tracer) CaptureData(seq uint64) {
	t.Capture(seq, Data)
}

// CaptureRange records the contiguous run offset..offset+length-1, the
// [blockLength, blockOffset] pair form reported by the replication layer.
func (t *Tracer) CaptureRange(length, offset uint64, core Core) {
	for i := uint64(0); i < length; i++ {
		t.Capture(offset+i, core)
	}
}

// Instrument returns a block-received hook that tags every capture Meta.
func (t *Tracer) Instrument() func(seq uint64) {
	return func(seq uint64) {
		t.Capture(seq, Meta)
	}
}

// Blocks returns the combined number of observed blocks.
func (t *Tracer) Blocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.meta) + len(t.data)
}

// Deflate snapshots both sets in delta form.
func (t *Tracer) Deflate() Snapshot {
	t.mu.Lock()
	meta := keys(t.meta)
	data := keys(t.data)
	t.mu.Unlock()

	return Snapshot{
		Meta: rangeset.Deflate(meta),
		Data: rangeset.Deflate(data),
	}
}

// Next returns the next growth event.
func (t *Tracer) Next(ctx context.Context) (Event, error) {
	return t.events.Next(ctx)
}

// Close ends the event stream. Captures after Close still accumulate.
func (t *Tracer) Close() {
	t.events.Close()
}

// Ranges is the decoded form of a Snapshot.
type Ranges struct {
	Meta []rangeset.Range `json:"meta"`
	Data []rangeset.Range `json:"data"`
}

// Inflate decodes delta sequences produced by Deflate.
func Inflate(meta, data []uint64) Ranges {
	return Ranges{
		Meta: rangeset.Inflate(meta),
		Data: rangeset.Inflate(data),
	}
}

func keys(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
