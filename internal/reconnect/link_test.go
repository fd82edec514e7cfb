package reconnect

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testConfig(addr string) Config {
	return Config{
		Name:         "hvac",
		PeerAddr:     addr,
		DialTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

type peer struct {
	ln    net.Listener
	conns chan net.Conn
}

func startPeer(t *testing.T) *peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &peer{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *peer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(waitFor):
		t.Fatalf("peer did not receive a connection")
		return nil
	}
}

type received struct {
	ch chan frame.Frame
}

func (r *received) handle(f frame.Frame) { r.ch <- f }

func (r *received) next(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(waitFor):
		t.Fatalf("no frame received")
		return frame.Frame{}
	}
}

func runLink(t *testing.T, cfg Config, handler FrameHandler, setup func(*Link)) *Link {
	t.Helper()
	link, err := New(cfg, handler, testlog.Logger(t, "reconnect"))
	require.NoError(t, err)
	if setup != nil {
		setup(link)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = link.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Errorf("link did not stop")
		}
	})
	return link
}

func waitState(t *testing.T, link *Link, want State, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return link.State() == want }, within, 2*time.Millisecond,
		"want %s, have %s", want, link.State())
}

func readFrame(t *testing.T, conn net.Conn) frame.Frame {
	t.Helper()
	var dec frame.Decoder
	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		frames, err := dec.Decode(buf[:n])
		require.NoError(t, err)
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	}
	assert.Equal(t, 250*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 500*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, 5*time.Second, NextBackoffDelay(cfg, 6, nil))
	assert.Equal(t, 250*time.Millisecond, NextBackoffDelay(cfg, 0, nil))
	assert.Zero(t, NextBackoffDelay(BackoffConfig{}, 3, nil))
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 10; attempt++ {
		got := NextBackoffDelay(cfg, attempt, rng)
		base := NextBackoffDelay(BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		}, attempt, nil)
		assert.GreaterOrEqual(t, got, base/2, "attempt %d", attempt)
		assert.Less(t, got, base*3/2, "attempt %d", attempt)
		assert.LessOrEqual(t, got, cfg.MaxDelay, "attempt %d", attempt)
	}
}

func TestSendFailsWhenNotConnected(t *testing.T) {
	link, err := New(testConfig("127.0.0.1:1"), nil, testlog.Logger(t, "reconnect"))
	require.NoError(t, err)
	assert.Equal(t, StateDown, link.State())
	assert.ErrorIs(t, link.Send([]byte{1, 2, 3}), ErrNotConnected)
	assert.ErrorIs(t, link.SendFrame(frame.New(0x125, nil)), ErrNotConnected)
}

func TestLinkConnectsOnLinkUpAndExchangesFrames(t *testing.T) {
	p := startPeer(t)
	rx := &received{ch: make(chan frame.Frame, 8)}
	link := runLink(t, testConfig(p.ln.Addr().String()), rx.handle, nil)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDown, link.State(), "no dial before link-up")

	link.LinkUp()
	waitState(t, link, StateConnected, waitFor)
	server := p.accept(t)

	require.NoError(t, link.SendFrame(frame.New(0x125, []byte{0x01, 0x16})))
	assert.Equal(t, frame.New(0x125, []byte{0x01, 0x16}), readFrame(t, server))

	// split across writes to exercise partial reassembly
	wire := frame.Encode(frame.New(0x123, []byte{0x01, 0x02}))
	_, err := server.Write(wire[:3])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = server.Write(wire[3:])
	require.NoError(t, err)
	assert.Equal(t, frame.New(0x123, []byte{0x01, 0x02}), rx.next(t))
}

func TestLinkDownClosesSocketAndLinkUpReconnects(t *testing.T) {
	p := startPeer(t)
	cfg := testConfig(p.ln.Addr().String())
	link := runLink(t, cfg, nil, nil)

	link.LinkUp()
	waitState(t, link, StateConnected, waitFor)
	first := p.accept(t)

	link.LinkDown()
	waitState(t, link, StateWaitingForLink, cfg.PollInterval)
	assert.ErrorIs(t, link.Send([]byte{0}), ErrNotConnected)

	_ = first.SetReadDeadline(time.Now().Add(waitFor))
	_, err := first.Read(make([]byte, 8))
	require.Error(t, err, "link-down must close the socket")
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "got timeout instead of close")

	link.LinkUp()
	waitState(t, link, StateConnected, waitFor)
	second := p.accept(t)
	require.NoError(t, link.SendFrame(frame.New(0xAC1, []byte{0x01})))
	assert.Equal(t, uint32(0xAC1), readFrame(t, second).ID)
}

func TestLinkReconnectsAfterPeerClose(t *testing.T) {
	p := startPeer(t)
	var mu sync.Mutex
	var seen []State
	link := runLink(t, testConfig(p.ln.Addr().String()), nil, func(l *Link) {
		l.OnStateChange(func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		})
	})

	link.LinkUp()
	waitState(t, link, StateConnected, waitFor)
	require.NoError(t, p.accept(t).Close())

	second := p.accept(t)
	waitState(t, link, StateConnected, waitFor)
	require.NoError(t, link.Send(frame.Encode(frame.New(0x123, nil))))
	assert.Equal(t, uint32(0x123), readFrame(t, second).ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StateDown)
}

func TestLinkProtocolViolationDropsConnection(t *testing.T) {
	p := startPeer(t)
	rx := &received{ch: make(chan frame.Frame, 8)}
	link := runLink(t, testConfig(p.ln.Addr().String()), rx.handle, nil)

	link.LinkUp()
	waitState(t, link, StateConnected, waitFor)
	server := p.accept(t)

	wire := frame.Encode(frame.New(0x125, []byte{0x07}))
	wire = append(wire, 0x00, 0x00, 0x01, 0x25, 0x0C)
	_, err := server.Write(wire)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x07}, rx.next(t).Data)
	p.accept(t)
	waitState(t, link, StateConnected, waitFor)
}

func TestLinkRetriesFailedDialWithBackoff(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	var seen []State
	var serverSide net.Conn

	link := runLink(t, testConfig("peer.invalid:8080"), nil, func(l *Link) {
		l.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
			}
			client, server := net.Pipe()
			serverSide = server
			return client, nil
		})
		l.OnStateChange(func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		})
	})

	link.LinkUp()
	waitState(t, link, StateConnected, waitFor)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 6
	}, waitFor, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []State{
		StateConnecting, StateWaitingForLink,
		StateConnecting, StateWaitingForLink,
		StateConnecting, StateConnected,
	}, seen)
	if serverSide != nil {
		_ = serverSide.Close()
	}
}

func TestLinkDownCancelsPendingDial(t *testing.T) {
	cancelled := make(chan error, 1)
	link := runLink(t, testConfig("peer.invalid:8080"), nil, func(l *Link) {
		l.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			<-ctx.Done()
			cancelled <- ctx.Err()
			return nil, ctx.Err()
		})
	})

	link.LinkUp()
	waitState(t, link, StateConnecting, waitFor)
	link.LinkDown()

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatalf("dial was not cancelled by link-down")
	}
	waitState(t, link, StateWaitingForLink, waitFor)
}

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{PeerAddr: "no-port"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{PeerAddr: "127.0.0.1:8080", Backoff: BackoffConfig{InitialDelay: time.Second, Multiplier: 0.5}}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{PeerAddr: "127.0.0.1:8080", Backoff: BackoffConfig{Multiplier: 2, MaxDelay: time.Second}}.Validate(), ErrInvalidConfig)
	require.NoError(t, Config{PeerAddr: "192.0.2.1:8080"}.Validate())

	cfg := Config{PeerAddr: "192.0.2.1:8080"}.WithDefaults()
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, DefaultBackoff(), cfg.Backoff)
}
