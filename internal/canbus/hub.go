// Package canbus serves a shared CAN segment over TCP. Every connected
// peer, the gateway's remote bus driver and leaf nodes alike, sees every
// frame sent by the others, optionally mirrored onto a local bus driver.
package canbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/canbridge/internal/bus"
	"github.com/danmuck/canbridge/internal/observability"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/relay"
	"github.com/google/uuid"
	"github.com/rbmk-project/common/errclass"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultListenAddr = ":8090"
	DefaultMaxPeers   = 16

	QueueLocalBus = "canbus-local"
	queuePeer     = "canbus-peer"

	acceptRetryDelay = 50 * time.Millisecond
)

var (
	ErrInvalidConfig  = errors.New("canbus: invalid config")
	ErrAlreadyRunning = errors.New("canbus: hub already running")
)

type Config struct {
	ListenAddr     string
	MaxPeers       int
	QueueCapacity  int
	PushTimeout    time.Duration
	BusSendTimeout time.Duration
	ReadBufferSize int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		MaxPeers:       DefaultMaxPeers,
		QueueCapacity:  relay.DefaultCapacity,
		PushTimeout:    relay.DefaultPushTimeout,
		BusSendTimeout: 100 * time.Millisecond,
		ReadBufferSize: 1024,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.PushTimeout == 0 {
		c.PushTimeout = d.PushTimeout
	}
	if c.BusSendTimeout == 0 {
		c.BusSendTimeout = d.BusSendTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	return c
}

func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, c.ListenAddr, err)
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("%w: max peers must be positive", ErrInvalidConfig)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue capacity must be positive", ErrInvalidConfig)
	}
	if c.PushTimeout < 0 || c.BusSendTimeout <= 0 {
		return fmt.Errorf("%w: timeouts out of range", ErrInvalidConfig)
	}
	if c.ReadBufferSize < frame.HeaderLen+frame.MaxDataLen {
		return fmt.Errorf("%w: read buffer %d smaller than one frame", ErrInvalidConfig, c.ReadBufferSize)
	}
	return nil
}

type peer struct {
	id      string
	conn    net.Conn
	remote  string
	started time.Time
	out     *relay.Queue

	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.SetDeadline(time.Unix(1, 0))
		_ = p.conn.Close()
	})
}

// Hub accepts any number of peers up to MaxPeers and relays frames between
// them. A slow peer loses frames on its own queue without stalling others.
type Hub struct {
	cfg    Config
	local  bus.Interface
	logger zerolog.Logger

	localOut *relay.Queue

	relayed     atomic.Uint64
	peersServed atomic.Uint64

	mu      sync.Mutex
	peers   map[string]*peer
	ln      net.Listener
	running bool
	cancel  context.CancelFunc
}

// NewHub builds a hub. local may be nil for a purely networked segment.
func NewHub(cfg Config, local bus.Interface, logger zerolog.Logger) (*Hub, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "canbus").Logger()
	h := &Hub{
		cfg:    cfg,
		local:  local,
		logger: logger,
		peers:  make(map[string]*peer),
	}
	if local != nil {
		h.localOut = relay.NewQueue(QueueLocalBus, cfg.QueueCapacity, cfg.PushTimeout, logger)
	}
	return h, nil
}

func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("canbus: listen %s: %w", h.cfg.ListenAddr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve runs the hub on ln until ctx is cancelled or Close is called.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		_ = ln.Close()
		return ErrAlreadyRunning
	}
	h.running = true
	h.ln = ln
	h.cancel = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.cancel = nil
		h.mu.Unlock()
	}()

	if h.local != nil {
		h.local.SetHandler(h.onLocalFrame)
		if err := h.local.Start(ctx); err != nil {
			_ = ln.Close()
			return fmt.Errorf("canbus: start local bus: %w", err)
		}
		defer func() {
			if err := h.local.Stop(); err != nil {
				h.logger.Warn().Err(err).Msg("local bus stop failed")
			}
		}()
	}

	h.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_peers", h.cfg.MaxPeers).
		Bool("local_bus", h.local != nil).
		Msg("canbus listening")

	g, gctx := errgroup.WithContext(ctx)
	if h.local != nil {
		g.Go(func() error {
			h.localTxLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		h.mu.Lock()
		for _, p := range h.peers {
			p.close()
		}
		h.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return h.acceptLoop(gctx, g, ln)
	})
	err := g.Wait()

	h.logger.Info().
		Uint64("peers_served", h.peersServed.Load()).
		Uint64("frames_relayed", h.relayed.Load()).
		Msg("canbus stopped")
	return err
}

func (h *Hub) Close() error {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (h *Hub) acceptLoop(ctx context.Context, g *errgroup.Group, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.logger.Warn().Err(err).Str("err_class", errclass.New(err)).Msg("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		p, ok := h.register(conn)
		if !ok {
			h.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("peer limit reached, connection refused")
			_ = conn.Close()
			continue
		}
		g.Go(func() error {
			h.servePeer(ctx, p)
			return nil
		})
	}
}

func (h *Hub) register(conn net.Conn) (*peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.peers) >= h.cfg.MaxPeers {
		return nil, false
	}
	p := &peer{
		id:      uuid.NewString(),
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		started: time.Now(),
		out:     relay.NewQueue(queuePeer, h.cfg.QueueCapacity, h.cfg.PushTimeout, h.logger),
	}
	h.peers[p.id] = p
	h.peersServed.Add(1)
	return p, true
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	h.mu.Unlock()
}

func (h *Hub) servePeer(ctx context.Context, p *peer) {
	logger := h.logger.With().Str("peer_id", p.id).Str("remote", p.remote).Logger()
	observability.RecordSession()
	logger.Info().Msg("peer joined")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.peerRx(p, logger) })
	g.Go(func() error { return h.peerTx(gctx, p) })
	g.Go(func() error {
		<-gctx.Done()
		p.close()
		return nil
	})
	err := g.Wait()

	h.unregister(p)
	p.close()

	event := logger.Info()
	switch {
	case ctx.Err() != nil, errors.Is(err, io.EOF):
	default:
		event = logger.Warn().Err(err).Str("err_class", errclass.New(err))
	}
	event.
		Dur("duration", time.Since(p.started)).
		Uint64("dropped", p.out.Dropped()).
		Msg("peer left")
}

func (h *Hub) peerRx(p *peer, logger zerolog.Logger) error {
	var dec frame.Decoder
	buf := make([]byte, h.cfg.ReadBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Decode(buf[:n])
			for _, f := range frames {
				h.broadcast(p, f)
			}
			if derr != nil {
				observability.RecordProtocolViolation()
				logger.Warn().Err(derr).Msg("protocol violation, dropping peer")
				return derr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (h *Hub) peerTx(ctx context.Context, p *peer) error {
	for {
		f, err := p.out.Pop(ctx)
		if err != nil {
			return err
		}
		if err := frame.WriteFrame(p.conn, f); err != nil {
			return err
		}
	}
}

// broadcast queues f for every peer except from, and for the local bus.
func (h *Hub) broadcast(from *peer, f frame.Frame) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p != from {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		if p.out.Push(f) == nil {
			h.relayed.Add(1)
		}
	}
	if from != nil && h.localOut != nil {
		_ = h.localOut.Push(f)
	}
}

func (h *Hub) onLocalFrame(f frame.Frame) {
	h.broadcast(nil, f)
}

func (h *Hub) localTxLoop(ctx context.Context) {
	for {
		f, err := h.localOut.Pop(ctx)
		if err != nil {
			return
		}
		f.Extended = frame.IsExtendedID(f.ID)
		if err := h.local.Send(ctx, f, h.cfg.BusSendTimeout); err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.RecordBusSendFailure()
			h.logger.Error().Err(err).Str("err_class", errclass.New(err)).Uint32("can_id", f.ID).Msg("local bus send failed")
		}
	}
}

// PeerStatus describes one connected peer.
type PeerStatus struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remote_addr"`
	Connected  string `json:"connected"`
	QueueLen   int    `json:"queue_len"`
	Dropped    uint64 `json:"dropped"`
}

type Status struct {
	ListenAddr    string       `json:"listen_addr,omitempty"`
	LocalBus      bool         `json:"local_bus"`
	PeersServed   uint64       `json:"peers_served"`
	FramesRelayed uint64       `json:"frames_relayed"`
	Peers         []PeerStatus `json:"peers"`
}

func (h *Hub) Status() Status {
	st := Status{
		LocalBus:      h.local != nil,
		PeersServed:   h.peersServed.Load(),
		FramesRelayed: h.relayed.Load(),
		Peers:         []PeerStatus{},
	}
	if addr := h.Addr(); addr != nil {
		st.ListenAddr = addr.String()
	}
	h.mu.Lock()
	for _, p := range h.peers {
		st.Peers = append(st.Peers, PeerStatus{
			ID:         p.id,
			RemoteAddr: p.remote,
			Connected:  time.Since(p.started).Round(time.Millisecond).String(),
			QueueLen:   p.out.Len(),
			Dropped:    p.out.Dropped(),
		})
	}
	h.mu.Unlock()
	sort.Slice(st.Peers, func(i, j int) bool { return st.Peers[i].RemoteAddr < st.Peers[j].RemoteAddr })
	return st
}
