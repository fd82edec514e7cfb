package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/rs/zerolog"
)

const defaultPortBuffer = 64

// Virtual is an in-process CAN segment. Every frame sent by one attached
// Port is delivered to the handlers of all other running ports.
type Virtual struct {
	mu     sync.RWMutex
	ports  []*Port
	logger zerolog.Logger
}

func NewVirtual(logger zerolog.Logger) *Virtual {
	return &Virtual{logger: logger.With().Str("bus", DriverVirtual).Logger()}
}

// Attach adds a new port to the segment.
func (v *Virtual) Attach(name string) *Port {
	p := &Port{
		name:   name,
		bus:    v,
		inbox:  make(chan frame.Frame, defaultPortBuffer),
		logger: v.logger.With().Str("port", name).Logger(),
	}
	v.mu.Lock()
	v.ports = append(v.ports, p)
	v.mu.Unlock()
	return p
}

func (v *Virtual) Ports() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.ports)
}

func (v *Virtual) deliver(ctx context.Context, from *Port, f frame.Frame, timeout time.Duration) error {
	v.mu.RLock()
	targets := make([]*Port, 0, len(v.ports))
	for _, p := range v.ports {
		if p != from {
			targets = append(targets, p)
		}
	}
	v.mu.RUnlock()

	var firstErr error
	for _, p := range targets {
		if err := p.enqueue(ctx, f, timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Port is one controller attached to a Virtual segment.
type Port struct {
	name   string
	bus    *Virtual
	inbox  chan frame.Frame
	logger zerolog.Logger

	mu      sync.Mutex
	handler Handler
	running bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ Interface = (*Port)(nil)

func (p *Port) Name() string { return p.name }

func (p *Port) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Port) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrClosed
	}
	if p.running {
		return nil
	}
	p.running = true
	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.deliveryLoop(ctx, p.done)
	p.logger.Debug().Msg("virtual port started")
	return nil
}

func (p *Port) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	wasRunning := p.running
	p.running = false
	if wasRunning {
		close(p.done)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug().Msg("virtual port stopped")
	return nil
}

// Send delivers f to every other running port on the segment.
func (p *Port) Send(ctx context.Context, f frame.Frame, timeout time.Duration) error {
	if err := f.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.bus.deliver(ctx, p, f, timeout)
}

func (p *Port) enqueue(ctx context.Context, f frame.Frame, timeout time.Duration) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil
	}

	select {
	case p.inbox <- f:
		return nil
	default:
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: port %s inbox full", ErrBusTimeout, p.name)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.inbox <- f:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: port %s inbox full", ErrBusTimeout, p.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Port) deliveryLoop(ctx context.Context, done <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case f := <-p.inbox:
			p.mu.Lock()
			h := p.handler
			p.mu.Unlock()
			if h != nil {
				h(f)
			}
		}
	}
}
