// Package reconnect keeps a leaf node's single outbound connection alive
// across link up/down events. It offers fire-and-forget send and a
// receive task feeding decoded frames to the application.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/canbridge/internal/observability"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/rbmk-project/common/errclass"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("reconnect: not connected")

// State is the link lifecycle position.
type State int32

const (
	StateDown State = iota
	StateWaitingForLink
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateWaitingForLink:
		return "WAITING_FOR_LINK"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// FrameHandler receives frames decoded by the receive task.
type FrameHandler func(frame.Frame)

// DialFunc opens the transport to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type transition struct {
	from, to State
}

// Link is one reconnecting connection. LinkUp and LinkDown may be called
// from any goroutine; Run owns the connect and receive tasks.
type Link struct {
	cfg     Config
	logger  zerolog.Logger
	handler FrameHandler
	dial    DialFunc

	wake      chan struct{}
	connected chan struct{}

	mu         sync.Mutex
	state      State
	linkUp     bool
	lost       bool
	conn       net.Conn
	dialCancel context.CancelFunc
	onChange   func(from, to State)
	pending    []transition

	writeMu sync.Mutex
}

// New validates cfg and returns a link in StateDown. handler may be nil.
func New(cfg Config, handler FrameHandler, logger zerolog.Logger) (*Link, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, Control: dialControl}
	return &Link{
		cfg:       cfg,
		logger:    logger.With().Str("component", "reconnect").Str("node", cfg.Name).Str("peer", cfg.PeerAddr).Logger(),
		handler:   handler,
		dial:      func(ctx context.Context, addr string) (net.Conn, error) { return dialer.DialContext(ctx, "tcp", addr) },
		wake:      make(chan struct{}, 1),
		connected: make(chan struct{}, 1),
		state:     StateDown,
	}, nil
}

// SetDialer replaces the transport dialer. Call before Run.
func (l *Link) SetDialer(d DialFunc) {
	l.mu.Lock()
	l.dial = d
	l.mu.Unlock()
}

// OnStateChange registers a callback invoked after every transition,
// outside the link's lock.
func (l *Link) OnStateChange(fn func(from, to State)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Name() string { return l.cfg.Name }

// Run drives the link until ctx is done, then closes the connection and
// waits for its tasks.
func (l *Link) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.connectLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		l.receiveLoop(ctx)
	}()

	<-ctx.Done()
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	if l.dialCancel != nil {
		l.dialCancel()
	}
	l.setStateLocked(StateDown)
	l.unlockAndEmit()
	if conn != nil {
		shutdownConn(conn)
	}
	wg.Wait()
	l.logger.Info().Msg("link stopped")
	return nil
}

// LinkUp reports that the underlying network interface is usable.
func (l *Link) LinkUp() {
	l.mu.Lock()
	if l.linkUp {
		l.mu.Unlock()
		return
	}
	l.linkUp = true
	l.unlockAndEmit()
	l.logger.Info().Msg("link up")
	l.notify()
}

// LinkDown reports loss of the network interface. An open connection is
// closed and any partial frame is discarded.
func (l *Link) LinkDown() {
	l.mu.Lock()
	l.linkUp = false
	l.lost = false
	conn := l.conn
	l.conn = nil
	if l.dialCancel != nil {
		l.dialCancel()
	}
	l.setStateLocked(StateWaitingForLink)
	l.unlockAndEmit()

	if conn != nil {
		shutdownConn(conn)
		l.logger.Warn().Msg("link down, connection closed")
	} else {
		l.logger.Info().Msg("link down")
	}
	l.notify()
}

// Send writes b to the peer. It fails with ErrNotConnected unless the link
// is connected; nothing is queued or retried.
func (l *Link) Send(b []byte) error {
	conn := l.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			l.connectionLost(conn, err)
			return fmt.Errorf("reconnect: send: %w", err)
		}
		if n == 0 {
			l.connectionLost(conn, io.ErrShortWrite)
			return fmt.Errorf("reconnect: send: %w", io.ErrShortWrite)
		}
		b = b[n:]
	}
	return nil
}

func (l *Link) SendFrame(f frame.Frame) error {
	return l.Send(frame.Encode(f))
}

func (l *Link) currentConn() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnected {
		return nil
	}
	return l.conn
}

// connectLoop dials whenever the link is up and no connection exists.
// Failed dials and lost connections back off; a fresh link-up dials at once.
func (l *Link) connectLoop(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		up, st, lost := l.linkUp, l.state, l.lost
		l.lost = false
		l.mu.Unlock()

		if !up || st == StateConnected {
			attempt = 0
			if !l.waitWake(ctx, 0) {
				return
			}
			continue
		}
		if lost && attempt == 0 {
			attempt = 1
		}
		if attempt > 0 {
			delay := NextBackoffDelay(l.cfg.Backoff, attempt, rng)
			l.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect backoff")
			if !l.sleepWhileUp(ctx, delay) {
				if ctx.Err() != nil {
					return
				}
				attempt = 0
				continue
			}
		}

		if err := l.connectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0
	}
}

func (l *Link) connectOnce(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	defer cancel()

	l.mu.Lock()
	if !l.linkUp {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.dialCancel = cancel
	dial := l.dial
	l.setStateLocked(StateConnecting)
	l.unlockAndEmit()

	conn, err := dial(dctx, l.cfg.PeerAddr)

	l.mu.Lock()
	l.dialCancel = nil
	if !l.linkUp || ctx.Err() != nil {
		l.unlockAndEmit()
		if conn != nil {
			_ = conn.Close()
		}
		if err == nil {
			err = ErrNotConnected
		}
		return err
	}
	if err != nil {
		l.setStateLocked(StateWaitingForLink)
		l.unlockAndEmit()
		l.logger.Warn().Err(err).Str("err_class", errclass.New(err)).Msg("connect failed")
		return err
	}
	l.conn = conn
	l.setStateLocked(StateConnected)
	l.unlockAndEmit()

	l.logger.Info().Str("local", conn.LocalAddr().String()).Msg("connected")
	select {
	case l.connected <- struct{}{}:
	default:
	}
	return nil
}

// receiveLoop reads from the current connection with a poll-interval read
// deadline so timeouts surface as retries rather than failures.
func (l *Link) receiveLoop(ctx context.Context) {
	var dec frame.Decoder
	var current net.Conn
	buf := make([]byte, l.cfg.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		conn := l.currentConn()
		if conn == nil {
			current = nil
			dec.Reset()
			timer := time.NewTimer(l.cfg.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-l.connected:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}
		if conn != current {
			current = conn
			dec.Reset()
		}

		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.PollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Decode(buf[:n])
			for _, f := range frames {
				l.deliver(f)
			}
			if derr != nil {
				observability.RecordProtocolViolation()
				l.connectionLost(conn, derr)
				dec.Reset()
				continue
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && l.currentConn() == conn {
				continue
			}
			l.connectionLost(conn, err)
			dec.Reset()
		}
	}
}

func (l *Link) deliver(f frame.Frame) {
	l.logger.Debug().Uint32("can_id", f.ID).Uint8("len", f.Len).Msg("frame received")
	if l.handler != nil {
		l.handler(f)
	}
}

// connectionLost moves a still-current connection to Down. Connections
// already replaced or torn down by LinkDown are ignored.
func (l *Link) connectionLost(conn net.Conn, cause error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.lost = l.linkUp
	l.setStateLocked(StateDown)
	l.unlockAndEmit()
	shutdownConn(conn)

	switch {
	case errors.Is(cause, io.EOF):
		l.logger.Info().Msg("peer closed connection")
	case errors.Is(cause, frame.ErrProtocolViolation):
		l.logger.Warn().Err(cause).Msg("protocol violation, connection dropped")
	default:
		l.logger.Warn().Err(cause).Str("err_class", errclass.New(cause)).Msg("connection lost")
	}
	l.notify()
}

func (l *Link) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// waitWake blocks until a notification, ctx cancellation or, when d > 0,
// the timeout. It returns false only when ctx is done.
func (l *Link) waitWake(ctx context.Context, d time.Duration) bool {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-l.wake:
	case <-timeout:
	}
	return true
}

// sleepWhileUp waits d unless the link goes down or ctx ends first.
func (l *Link) sleepWhileUp(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if !l.waitWake(ctx, remaining) {
			return false
		}
		l.mu.Lock()
		up := l.linkUp
		l.mu.Unlock()
		if !up {
			return false
		}
	}
}

func (l *Link) setStateLocked(next State) {
	if l.state == next {
		return
	}
	l.pending = append(l.pending, transition{from: l.state, to: next})
	l.state = next
}

// unlockAndEmit releases mu and then reports transitions queued while it
// was held.
func (l *Link) unlockAndEmit() {
	pending := l.pending
	l.pending = nil
	fn := l.onChange
	l.mu.Unlock()

	for _, tr := range pending {
		observability.RecordLinkTransition(l.cfg.Name, tr.to.String())
		l.logger.Debug().Str("from", tr.from.String()).Str("to", tr.to.String()).Msg("link state")
		if fn != nil {
			fn(tr.from, tr.to)
		}
	}
}

func shutdownConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Unix(1, 0))
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
		_ = tc.CloseWrite()
	}
	_ = conn.Close()
}
