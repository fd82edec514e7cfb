// Package relay provides the bounded frame queues that decouple bus and
// network traffic inside the gateway.
package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/danmuck/canbridge/internal/observability"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/rs/zerolog"
)

const (
	DefaultCapacity    = 32
	DefaultPushTimeout = 10 * time.Millisecond
)

var ErrQueueFull = errors.New("relay: queue full")

// Queue is a fixed-capacity FIFO of frames. Push waits at most the push
// timeout and drops on expiry; Pop blocks until a frame or cancellation.
type Queue struct {
	name        string
	items       chan frame.Frame
	pushTimeout time.Duration
	dropped     atomic.Uint64
	logger      zerolog.Logger
}

func NewQueue(name string, capacity int, pushTimeout time.Duration, logger zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if pushTimeout < 0 {
		pushTimeout = 0
	}
	return &Queue{
		name:        name,
		items:       make(chan frame.Frame, capacity),
		pushTimeout: pushTimeout,
		logger:      logger.With().Str("queue", name).Logger(),
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Cap() int { return cap(q.items) }

func (q *Queue) Len() int { return len(q.items) }

// Dropped returns the number of frames rejected by Push since creation.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Push enqueues f, waiting up to the push timeout for space. On expiry the
// frame is dropped, logged, and ErrQueueFull is returned.
func (q *Queue) Push(f frame.Frame) error {
	select {
	case q.items <- f:
		q.recordDepth()
		return nil
	default:
	}
	if q.pushTimeout == 0 {
		return q.drop(f)
	}

	timer := time.NewTimer(q.pushTimeout)
	defer timer.Stop()
	select {
	case q.items <- f:
		q.recordDepth()
		return nil
	case <-timer.C:
		return q.drop(f)
	}
}

// Pop blocks until a frame is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}
	select {
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	case f := <-q.items:
		q.recordDepth()
		return f, nil
	}
}

func (q *Queue) TryPop() (frame.Frame, bool) {
	select {
	case f := <-q.items:
		q.recordDepth()
		return f, true
	default:
		return frame.Frame{}, false
	}
}

// Purge discards every queued frame and returns how many were removed.
func (q *Queue) Purge() int {
	n := 0
	for {
		select {
		case <-q.items:
			n++
		default:
			q.recordDepth()
			return n
		}
	}
}

func (q *Queue) drop(f frame.Frame) error {
	total := q.dropped.Add(1)
	observability.RecordDrop(q.name, observability.DropQueueFull)
	q.logger.Warn().
		Uint32("can_id", f.ID).
		Uint8("len", f.Len).
		Uint64("dropped_total", total).
		Msg("queue full, frame dropped")
	return ErrQueueFull
}

func (q *Queue) recordDepth() {
	observability.SetQueueDepth(q.name, len(q.items))
}
