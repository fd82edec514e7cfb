package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueBoundDropsOverflow(t *testing.T) {
	const (
		capacity = 4
		extra    = 3
		timeout  = 5 * time.Millisecond
	)
	q := NewQueue("bus-out", capacity, timeout, testlog.Logger(t, "relay"))

	for i := 0; i < capacity+extra; i++ {
		start := time.Now()
		err := q.Push(frame.New(uint32(0x100+i), []byte{byte(i)}))
		elapsed := time.Since(start)
		if i < capacity {
			require.NoError(t, err, "push %d", i)
		} else {
			require.True(t, errors.Is(err, ErrQueueFull), "push %d: %v", i, err)
		}
		require.Less(t, elapsed, timeout+250*time.Millisecond, "push %d blocked too long", i)
	}

	assert.Equal(t, uint64(extra), q.Dropped())
	assert.Equal(t, capacity, q.Len())
	for i := 0; i < capacity; i++ {
		f, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, uint32(0x100+i), f.ID, "retained frames keep FIFO order")
	}
}

func TestQueueZeroTimeoutDropsImmediately(t *testing.T) {
	q := NewQueue("network-out", 1, 0, testlog.Logger(t, "relay"))
	require.NoError(t, q.Push(frame.New(1, nil)))
	assert.ErrorIs(t, q.Push(frame.New(2, nil)), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestQueuePushWaitsForSpace(t *testing.T) {
	q := NewQueue("bus-out", 1, time.Second, testlog.Logger(t, "relay"))
	require.NoError(t, q.Push(frame.New(1, nil)))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.TryPop()
	}()
	require.NoError(t, q.Push(frame.New(2, nil)))
	assert.Zero(t, q.Dropped())
}

func TestQueuePopBlocksUntilCancel(t *testing.T) {
	q := NewQueue("network-out", 2, DefaultPushTimeout, testlog.Logger(t, "relay"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("pop returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("pop did not unblock after cancel")
	}
}

func TestQueuePurge(t *testing.T) {
	q := NewQueue("network-out", 8, DefaultPushTimeout, testlog.Logger(t, "relay"))
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(frame.New(uint32(i), nil)))
	}
	assert.Equal(t, 5, q.Purge())
	assert.Zero(t, q.Len())
	assert.Zero(t, q.Purge())
}

func TestQueueConcurrentProducerConsumerPreservesOrder(t *testing.T) {
	q := NewQueue("bus-out", 4, time.Second, testlog.Logger(t, "relay"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := q.Push(frame.New(uint32(i), nil)); err != nil {
				t.Errorf("push %d: %v", i, err)
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		f, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(i), f.ID)
	}
	wg.Wait()
	assert.Equal(t, 4, q.Cap())
}
