//go:build !linux

package bus

import (
	"context"
	"time"

	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// SocketCAN is only available on Linux.
type SocketCAN struct {
	ifname string
}

var _ Interface = (*SocketCAN)(nil)

func NewSocketCAN(ifname string, _ zerolog.Logger) *SocketCAN {
	return &SocketCAN{ifname: ifname}
}

func (s *SocketCAN) SetHandler(Handler) {}

func (s *SocketCAN) Start(context.Context) error { return ErrUnsupported }

func (s *SocketCAN) Stop() error { return nil }

func (s *SocketCAN) Send(context.Context, frame.Frame, time.Duration) error {
	return ErrUnsupported
}
