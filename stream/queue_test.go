package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewQueue[int]()

	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		got, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
}

func TestQueue_NextBlocksUntilPush(t *testing.T) {
	q := NewQueue[string]()

	got := make(chan string, 1)
	go func() {
		v, err := q.Next(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Push")
	}
}

func TestQueue_CloseDrainsThenErrors(t *testing.T) {
	ctx := context.Background()
	q := NewQueue[int]()
	q.Push(1)
	q.Close()
	q.Close()

	assert.False(t, q.Push(2), "push after close is rejected")
	assert.True(t, q.Closed())

	v, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Next(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseWakesReader(t *testing.T) {
	q := NewQueue[int]()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Close")
	}
}

func TestQueue_ContextCancel(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_MultipleReaders(t *testing.T) {
	q := NewQueue[int]()
	const n = 100

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Next(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		q.Push(i)
	}
	q.Close()
	wg.Wait()

	assert.Len(t, seen, n)
}
