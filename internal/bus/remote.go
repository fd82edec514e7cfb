package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/reconnect"
	"github.com/rs/zerolog"
)

const DriverRemote = "remote"

// remoteWriteTimeout bounds a single write to the segment server.
const remoteWriteTimeout = 100 * time.Millisecond

// Remote joins a segment served by canbus over TCP, reconnecting with
// backoff whenever the server goes away. Frames sent while disconnected
// fail immediately.
type Remote struct {
	addr       string
	logger     zerolog.Logger
	linkLogger zerolog.Logger

	mu      sync.Mutex
	handler Handler
	link    *reconnect.Link
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Interface = (*Remote)(nil)

// NewRemote tags its own events with component "bus"; the link it runs
// logs under its own component.
func NewRemote(addr string, logger zerolog.Logger) *Remote {
	return &Remote{
		addr:       addr,
		logger:     logger.With().Str("component", "bus").Str("bus", DriverRemote).Str("peer", addr).Logger(),
		linkLogger: logger.With().Str("bus", DriverRemote).Logger(),
	}
}

func (r *Remote) SetHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Remote) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.link != nil {
		return nil
	}
	link, err := reconnect.New(reconnect.Config{
		Name:         "bus-" + r.addr,
		PeerAddr:     r.addr,
		WriteTimeout: remoteWriteTimeout,
	}, r.deliver, r.linkLogger)
	if err != nil {
		return fmt.Errorf("bus: remote %s: %w", r.addr, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.link, r.cancel, r.done = link, cancel, done

	link.LinkUp()
	go func() {
		defer close(done)
		_ = link.Run(runCtx)
	}()
	r.logger.Info().Msg("remote bus started")
	return nil
}

// Connected reports whether the segment server is currently reachable.
func (r *Remote) Connected() bool {
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()
	return link != nil && link.State() == reconnect.StateConnected
}

func (r *Remote) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.link, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	r.logger.Info().Msg("remote bus stopped")
	return nil
}

// Send writes f to the segment within remoteWriteTimeout.
func (r *Remote) Send(ctx context.Context, f frame.Frame, _ time.Duration) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()
	if link == nil {
		return ErrClosed
	}
	if err := link.SendFrame(f); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrBusTimeout, r.addr)
		}
		return fmt.Errorf("bus: remote %s: %w", r.addr, err)
	}
	return nil
}

func (r *Remote) deliver(f frame.Frame) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(f)
	}
}
