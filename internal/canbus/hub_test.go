package canbus

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/canbridge/internal/bus"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	hub  *Hub
	addr string
	done chan struct{}
	err  error
}

func startHub(t *testing.T, cfg Config, local bus.Interface) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub, err := NewHub(cfg, local, testlog.Logger(t, "canbus"))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &harness{hub: hub, addr: ln.Addr().String(), done: make(chan struct{})}
	go func() {
		h.err = hub.Serve(ctx, ln)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Errorf("hub did not stop")
		}
	})
	return h
}

func (h *harness) waitPeers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.hub.Status().Peers) == n }, waitFor, 5*time.Millisecond)
}

type peerConn struct {
	net.Conn
	dec     frame.Decoder
	pending []frame.Frame
}

func dial(t *testing.T, addr string) *peerConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peerConn{Conn: conn}
}

func (c *peerConn) next(timeout time.Duration) (frame.Frame, error) {
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 256)
	for len(c.pending) == 0 {
		n, err := c.Read(buf)
		if n > 0 {
			frames, derr := c.dec.Decode(buf[:n])
			if derr != nil {
				return frame.Frame{}, derr
			}
			c.pending = append(c.pending, frames...)
		}
		if err != nil && len(c.pending) == 0 {
			return frame.Frame{}, err
		}
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestHubBroadcastsToOtherPeers(t *testing.T) {
	h := startHub(t, DefaultConfig(), nil)
	a := dial(t, h.addr)
	b := dial(t, h.addr)
	c := dial(t, h.addr)
	h.waitPeers(t, 3)

	require.NoError(t, frame.WriteFrame(a, frame.New(0x125, []byte{0x01, 0x16})))

	for _, peer := range []*peerConn{b, c} {
		f, err := peer.next(waitFor)
		require.NoError(t, err)
		assert.Equal(t, frame.New(0x125, []byte{0x01, 0x16}), f)
	}
	_, err := a.next(100 * time.Millisecond)
	assert.True(t, isTimeout(err), "sender must not receive its own frame, got %v", err)
	assert.Equal(t, uint64(2), h.hub.Status().FramesRelayed)
}

func TestHubDropsPeerOnProtocolViolation(t *testing.T) {
	h := startHub(t, DefaultConfig(), nil)
	bad := dial(t, h.addr)
	good := dial(t, h.addr)
	h.waitPeers(t, 2)

	_, err := bad.Write([]byte{0x00, 0x00, 0x01, 0x23, 0x09})
	require.NoError(t, err)
	h.waitPeers(t, 1)

	_, err = bad.next(waitFor)
	require.Error(t, err)
	assert.False(t, isTimeout(err))

	other := dial(t, h.addr)
	h.waitPeers(t, 2)
	require.NoError(t, frame.WriteFrame(other, frame.New(0xAC1, []byte{0x01})))
	f, err := good.next(waitFor)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xAC1), f.ID)
}

func TestHubRefusesPeersBeyondLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPeers = 1
	h := startHub(t, cfg, nil)
	dial(t, h.addr)
	h.waitPeers(t, 1)

	extra := dial(t, h.addr)
	_, err := extra.next(waitFor)
	require.Error(t, err)
	assert.False(t, isTimeout(err), "refused peer should be closed, got %v", err)
	assert.Equal(t, uint64(1), h.hub.Status().PeersServed)
}

type sink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *sink) handle(f frame.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *sink) snapshot() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

func TestHubMirrorsLocalBus(t *testing.T) {
	logger := testlog.Logger(t, "canbus")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seg := bus.NewVirtual(logger)
	ecu := seg.Attach("ecu")
	got := &sink{}
	ecu.SetHandler(got.handle)
	require.NoError(t, ecu.Start(ctx))
	defer ecu.Stop()

	h := startHub(t, DefaultConfig(), seg.Attach("canbus"))
	peer := dial(t, h.addr)
	h.waitPeers(t, 1)
	assert.True(t, h.hub.Status().LocalBus)

	require.NoError(t, frame.WriteFrame(peer, frame.New(0x123, []byte{0x01})))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint32(0x123), got.snapshot()[0].ID)

	require.NoError(t, ecu.Send(ctx, frame.New(0x125, []byte{0x07}), time.Second))
	f, err := peer.next(waitFor)
	require.NoError(t, err)
	assert.Equal(t, frame.New(0x125, []byte{0x07}), f)
}

func TestHubConfigValidate(t *testing.T) {
	_, err := NewHub(Config{ListenAddr: "nohostport"}, nil, testlog.Logger(t, "canbus"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewHub(Config{ListenAddr: ":0", MaxPeers: -1}, nil, testlog.Logger(t, "canbus"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
