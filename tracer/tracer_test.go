package tracer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sidecar/rangeset"
	"github.com/wolfeidau/sidecar/stream"
)

// drain reads every queued event without blocking.
func drain(t *testing.T, tr *Tracer) []Event {
	t.Helper()
	var events []Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		ev, err := tr.Next(ctx)
		cancel()
		if err != nil {
			return events
		}
		events = append(events, ev)
	}
}

func TestTracer_GrowthOnlyEmission(t *testing.T) {
	tr := New()

	tr.Capture(7, Data)
	tr.Capture(7, Data)
	tr.Capture(7, Meta)

	events := drain(t, tr)
	require.Len(t, events, 2, "duplicate data capture must not emit")
	assert.Equal(t, Event{Seq: 7, Core: Data, Blocks: 1}, events[0])
	assert.Equal(t, Event{Seq: 7, Core: Meta, Blocks: 2}, events[1], "meta and data sets are independent")
	assert.Equal(t, 2, tr.Blocks())
}

func TestTracer_CaptureRangeMatchesIndividualCaptures(t *testing.T) {
	batch := New()
	batch.CaptureRange(3, 10, Meta)

	single := New()
	single.Capture(10, Meta)
	single.Capture(11, Meta)
	single.Capture(12, Meta)

	assert.Equal(t, single.Deflate(), batch.Deflate())
	assert.Equal(t, drain(t, single), drain(t, batch))
	assert.Equal(t, Snapshot{Meta: []uint64{10, 1, 1}}, batch.Deflate())
}

func TestTracer_CaptureRangeZeroLength(t *testing.T) {
	tr := New()
	tr.CaptureRange(0, 5, Data)
	assert.Equal(t, 0, tr.Blocks())
	assert.Empty(t, drain(t, tr))
}

func TestTracer_InstrumentTagsMeta(t *testing.T) {
	tr := New()
	hook := tr.Instrument()
	hook(1)
	hook(2)

	snap := tr.Deflate()
	assert.Equal(t, []uint64{1, 1}, snap.Meta)
	assert.Empty(t, snap.Data)
}

func TestTracer_CaptureDataDefault(t *testing.T) {
	tr := New()
	tr.CaptureData(4)
	assert.Equal(t, Snapshot{Data: []uint64{4}}, tr.Deflate())
}

func TestTracer_DeflateInflate(t *testing.T) {
	tr := New()
	for _, n := range []uint64{5, 6, 7, 10, 11, 20} {
		tr.CaptureData(n)
	}
	tr.CaptureRange(2, 0, Meta)

	snap := tr.Deflate()
	ranges := Inflate(snap.Meta, snap.Data)
	assert.Equal(t, []rangeset.Range{{Start: 0, End: 2}}, ranges.Meta)
	assert.Equal(t, []rangeset.Range{{Start: 5, End: 8}, {Start: 10, End: 12}, {Start: 20, End: 21}}, ranges.Data)
	assert.Equal(t, ranges, snap.Inflate())
}

func TestTracer_CloseEndsStream(t *testing.T) {
	tr := New()
	tr.CaptureData(1)
	tr.Close()
	tr.CaptureData(2)

	ev, err := tr.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)

	_, err = tr.Next(context.Background())
	require.ErrorIs(t, err, stream.ErrClosed)
	assert.Equal(t, 2, tr.Blocks(), "captures after close still accumulate")
}

func TestCoreString(t *testing.T) {
	assert.Equal(t, "meta", Meta.String())
	assert.Equal(t, "data", Data.String())
	assert.Equal(t, "unknown", Core(9).String())
}

func TestTracer_ConcurrentCapturesEmitIncreasingTotals(t *testing.T) {
	tr := New()

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				tr.Capture(uint64(w*perWorker+i), Core(i%2))
			}
		}()
	}
	wg.Wait()
	tr.Close()

	last := 0
	for {
		ev, err := tr.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, stream.ErrClosed)
			break
		}
		require.Greater(t, ev.Blocks, last)
		last = ev.Blocks
	}
	assert.Equal(t, workers*perWorker, last)
}
