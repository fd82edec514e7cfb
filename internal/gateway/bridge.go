// Package gateway relays frames between one TCP client and a CAN bus,
// enforcing a directional allow-list in both directions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/canbridge/internal/allowlist"
	"github.com/danmuck/canbridge/internal/bus"
	"github.com/danmuck/canbridge/internal/observability"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/relay"
	"github.com/rbmk-project/common/errclass"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	QueueNetworkOut = "network-out"
	QueueBusOut     = "bus-out"

	acceptRetryDelay = 50 * time.Millisecond
)

var (
	ErrAlreadyRunning  = errors.New("gateway: bridge already running")
	errSessionInactive = errors.New("gateway: session inactive")
)

// State is the bridge connection lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateAccepted
	StateActive
	StateClosed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateAccepted:
		return "ACCEPTED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Bridge owns the bus handle, both relay queues, the listener, the
// long-lived bus-TX task and at most one client Session.
type Bridge struct {
	cfg    Config
	bus    bus.Interface
	policy *allowlist.Policy
	logger zerolog.Logger

	networkOut *relay.Queue
	busOut     *relay.Queue

	state          atomic.Int32
	session        atomic.Pointer[Session]
	sessionsServed atomic.Uint64

	// sessMu orders bus receive pushes against the purge that starts a
	// session: a frame checked against one session is never queued for the next.
	sessMu     sync.RWMutex
	beforePush func(frame.Frame)

	mu      sync.Mutex
	ln      net.Listener
	running bool
	cancel  context.CancelFunc
}

// NewBridge validates cfg and builds a bridge around drv.
func NewBridge(cfg Config, drv bus.Interface, logger zerolog.Logger) (*Bridge, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if drv == nil {
		return nil, fmt.Errorf("%w: bus interface required", ErrInvalidConfig)
	}
	logger = logger.With().Str("component", "gateway").Logger()
	return &Bridge{
		cfg:        cfg,
		bus:        drv,
		policy:     cfg.Policy,
		logger:     logger,
		networkOut: relay.NewQueue(QueueNetworkOut, cfg.QueueCapacity, cfg.PushTimeout, logger),
		busOut:     relay.NewQueue(QueueBusOut, cfg.QueueCapacity, cfg.PushTimeout, logger),
	}, nil
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

// Addr returns the bound listener address, or nil before Serve.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Run listens on the configured address and serves until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", b.cfg.ListenAddr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve runs the bridge on ln until ctx is cancelled or Close is called.
// All tasks are joined and the bus is stopped before it returns.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		_ = ln.Close()
		return ErrAlreadyRunning
	}
	b.running = true
	b.ln = ln
	b.cancel = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.cancel = nil
		b.mu.Unlock()
	}()

	b.bus.SetHandler(b.onBusFrame)
	if err := b.bus.Start(ctx); err != nil {
		_ = ln.Close()
		b.setState(StateStopped)
		return fmt.Errorf("gateway: start bus: %w", err)
	}

	b.logger.Info().
		Str("addr", ln.Addr().String()).
		Uints32("network_to_bus", b.policy.IDs(allowlist.NetworkToBus)).
		Uints32("bus_to_network", b.policy.IDs(allowlist.BusToNetwork)).
		Msg("gateway listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.busTxLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		if s := b.session.Load(); s != nil {
			s.close()
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return b.acceptLoop(gctx, ln)
	})
	err := g.Wait()

	b.shutdown()
	return err
}

// Close stops a running Serve. It is safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (b *Bridge) shutdown() {
	if err := b.bus.Stop(); err != nil {
		b.logger.Warn().Err(err).Msg("bus stop failed")
	}
	purgedNet := b.networkOut.Purge()
	purgedBus := b.busOut.Purge()
	b.setState(StateStopped)
	b.logger.Info().
		Int("purged_network_out", purgedNet).
		Int("purged_bus_out", purgedBus).
		Uint64("sessions_served", b.sessionsServed.Load()).
		Msg("gateway stopped")
}

// acceptLoop serves one client at a time. Accept is not called again until
// the current session has fully closed, so later peers wait in the backlog.
func (b *Bridge) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		b.setState(StateListening)
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.logger.Warn().Err(err).Str("err_class", errclass.New(err)).Msg("accept failed")
			if !sleepCtx(ctx, acceptRetryDelay) {
				return nil
			}
			continue
		}
		b.setState(StateAccepted)
		b.serveSession(ctx, conn)
		b.setState(StateClosed)
	}
}

func (b *Bridge) serveSession(ctx context.Context, conn net.Conn) {
	s := newSession(conn)
	logger := b.logger.With().Str("session_id", s.ID()).Str("remote", s.RemoteAddr()).Logger()

	b.sessMu.Lock()
	purged := b.networkOut.Purge()
	b.session.Store(s)
	b.sessMu.Unlock()
	b.sessionsServed.Add(1)
	observability.RecordSession()
	b.setState(StateActive)
	logger.Info().Int("purged_stale", purged).Msg("session accepted")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.networkRx(gctx, s, logger) })
	g.Go(func() error { return b.networkTx(gctx, s, logger) })
	g.Go(func() error {
		<-gctx.Done()
		s.close()
		return nil
	})
	err := g.Wait()

	s.close()
	b.session.CompareAndSwap(s, nil)

	reason, level := "shutdown", zerolog.InfoLevel
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, io.EOF):
		reason = "peer_closed"
	case errors.Is(err, frame.ErrProtocolViolation):
		reason, level = "protocol_violation", zerolog.WarnLevel
	case errors.Is(err, errSessionInactive):
		reason = "closed"
	default:
		reason, level = "io_error", zerolog.WarnLevel
	}
	event := logger.WithLevel(level).Str("reason", reason)
	if level >= zerolog.WarnLevel {
		event = event.Err(err).Str("err_class", errclass.New(err))
	}
	event.
		Dur("duration", time.Since(s.started)).
		Msg("session closed")
}

// networkRx decodes client bytes and queues permitted frames for the bus.
func (b *Bridge) networkRx(ctx context.Context, s *Session, logger zerolog.Logger) error {
	var dec frame.Decoder
	buf := make([]byte, b.cfg.ReadBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.Active() {
			return errSessionInactive
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Decode(buf[:n])
			for _, f := range frames {
				b.forwardToBus(f, logger)
			}
			if derr != nil {
				observability.RecordProtocolViolation()
				observability.RecordDrop(allowlist.NetworkToBus.String(), observability.DropProtocol)
				logger.Warn().Err(derr).Msg("protocol violation, closing session")
				return derr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (b *Bridge) forwardToBus(f frame.Frame, logger zerolog.Logger) {
	dir := allowlist.NetworkToBus
	if !b.policy.Permitted(f.ID, dir) {
		observability.RecordDrop(dir.String(), observability.DropNotAllowed)
		logger.Warn().
			Uint32("can_id", f.ID).
			Str("direction", dir.String()).
			Msg("frame blocked by allow-list")
		return
	}
	if err := b.busOut.Push(f); err != nil {
		return
	}
	logger.Debug().Uint32("can_id", f.ID).Uint8("len", f.Len).Msg("frame queued for bus")
}

// networkTx drains network-out to the client socket.
func (b *Bridge) networkTx(ctx context.Context, s *Session, logger zerolog.Logger) error {
	for {
		f, err := b.networkOut.Pop(ctx)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.Active() {
			observability.RecordDrop(allowlist.BusToNetwork.String(), observability.DropInactive)
			return errSessionInactive
		}
		if err := frame.WriteFrame(s.conn, f); err != nil {
			return err
		}
		observability.RecordRelayed(allowlist.BusToNetwork.String())
		logger.Debug().Uint32("can_id", f.ID).Uint8("len", f.Len).Msg("frame sent to client")
	}
}

// onBusFrame is the driver receive notification. It only filters and
// enqueues; the push never blocks longer than the queue push timeout.
func (b *Bridge) onBusFrame(f frame.Frame) {
	dir := allowlist.BusToNetwork
	if !b.policy.Permitted(f.ID, dir) {
		observability.RecordDrop(dir.String(), observability.DropNotAllowed)
		b.logger.Debug().Uint32("can_id", f.ID).Str("direction", dir.String()).Msg("frame blocked by allow-list")
		return
	}
	b.sessMu.RLock()
	defer b.sessMu.RUnlock()
	s := b.session.Load()
	if s == nil || !s.Active() {
		observability.RecordDrop(dir.String(), observability.DropNoSession)
		b.logger.Debug().Uint32("can_id", f.ID).Msg("no active session, frame dropped")
		return
	}
	if b.beforePush != nil {
		b.beforePush(f)
	}
	_ = b.networkOut.Push(f)
}

// busTxLoop lives for the whole Serve call, independent of sessions. Send
// failures are logged and the loop continues.
func (b *Bridge) busTxLoop(ctx context.Context) {
	for {
		f, err := b.busOut.Pop(ctx)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		f.Extended = frame.IsExtendedID(f.ID)
		if err := b.bus.Send(ctx, f, b.cfg.BusSendTimeout); err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.RecordBusSendFailure()
			b.logger.Error().
				Err(err).
				Str("err_class", errclass.New(err)).
				Uint32("can_id", f.ID).
				Msg("bus send failed")
			continue
		}
		observability.RecordRelayed(allowlist.NetworkToBus.String())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
