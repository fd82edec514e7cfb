// Package node runs a leaf ECU: an application Model bound to a
// reconnecting link and a link-state source.
package node

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/danmuck/canbridge/internal/observability"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/reconnect"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Model is the application behaviour of a node. HandleFrame runs on the
// receive task; Tick runs on the node's ticker and returns frames to send.
type Model interface {
	Kind() string
	HandleFrame(f frame.Frame)
	Tick(now time.Time) []frame.Frame
	// TickInterval of zero disables ticking.
	TickInterval() time.Duration
}

// Stats is a snapshot for logs and the admin status endpoint.
type Stats struct {
	Node     string `json:"node"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Received uint64 `json:"received"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
}

type Node struct {
	model  Model
	link   *reconnect.Link
	source reconnect.Source
	logger zerolog.Logger

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// New binds model to a link built from cfg. A nil source means the link is
// always up.
func New(cfg reconnect.Config, model Model, source reconnect.Source, logger zerolog.Logger) (*Node, error) {
	if model == nil {
		return nil, errors.New("node: model required")
	}
	if source == nil {
		source = reconnect.StaticUp{}
	}
	n := &Node{
		model:  model,
		source: source,
		logger: logger.With().Str("component", "node").Str("node", cfg.Name).Str("kind", model.Kind()).Logger(),
	}
	link, err := reconnect.New(cfg, n.handleFrame, logger)
	if err != nil {
		return nil, err
	}
	n.link = link
	return n, nil
}

func (n *Node) ID() string { return n.link.Name() }

func (n *Node) Kind() string { return n.model.Kind() }

func (n *Node) Link() *reconnect.Link { return n.link }

func (n *Node) Stats() Stats {
	return Stats{
		Node:     n.ID(),
		Kind:     n.Kind(),
		State:    n.link.State().String(),
		Received: n.received.Load(),
		Sent:     n.sent.Load(),
		Dropped:  n.dropped.Load(),
	}
}

// Run drives the link, the link-state source and the model ticker until
// ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info().Msg("node starting")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.link.Run(gctx) })
	g.Go(func() error { return n.source.Watch(gctx, n.link) })
	g.Go(func() error {
		n.tickLoop(gctx)
		return nil
	})
	err := g.Wait()
	st := n.Stats()
	n.logger.Info().
		Uint64("received", st.Received).
		Uint64("sent", st.Sent).
		Uint64("dropped", st.Dropped).
		Msg("node stopped")
	return err
}

func (n *Node) handleFrame(f frame.Frame) {
	n.received.Add(1)
	n.model.HandleFrame(f)
}

func (n *Node) tickLoop(ctx context.Context) {
	interval := n.model.TickInterval()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, f := range n.model.Tick(now) {
				n.send(f)
			}
		}
	}
}

// send is fire-and-forget: a frame that cannot go out now is counted and
// forgotten.
func (n *Node) send(f frame.Frame) {
	if err := n.link.SendFrame(f); err != nil {
		n.dropped.Add(1)
		observability.RecordDrop(n.ID(), observability.DropNotLinked)
		n.logger.Debug().Err(err).Uint32("can_id", f.ID).Msg("send dropped")
		return
	}
	n.sent.Add(1)
}
