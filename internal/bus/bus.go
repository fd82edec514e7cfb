// Package bus defines the CAN driver contract used by the gateway and the
// drivers that satisfy it: an in-process virtual segment, SocketCAN, and a
// remote segment served over TCP.
package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var (
	ErrBusTimeout    = errors.New("bus: send timeout")
	ErrClosed        = errors.New("bus: closed")
	ErrUnsupported   = errors.New("bus: driver unsupported on this platform")
	ErrInvalidDriver = errors.New("bus: invalid driver")
)

// Handler receives frames on the driver's own goroutine. It must return
// quickly; heavier work belongs to a consumer of whatever it enqueues into.
type Handler func(frame.Frame)

// Interface is a CAN controller as seen by the gateway.
type Interface interface {
	// Send submits f to the bus, failing with ErrBusTimeout if it cannot be
	// accepted within timeout.
	Send(ctx context.Context, f frame.Frame, timeout time.Duration) error
	// SetHandler installs the receive notification. Call before Start.
	SetHandler(h Handler)
	Start(ctx context.Context) error
	Stop() error
}

const (
	DriverVirtual   = "virtual"
	DriverSocketCAN = "socketcan"
)

// Open builds a driver from "virtual[:name]", "socketcan:<ifname>" or
// "remote:<host:port>".
func Open(driver string, logger zerolog.Logger) (Interface, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(driver), ":")
	component := logger.With().Str("component", "bus").Logger()
	switch strings.ToLower(kind) {
	case DriverVirtual:
		name := arg
		if name == "" {
			name = "gateway"
		}
		return NewVirtual(component).Attach(name), nil
	case DriverSocketCAN:
		if arg == "" {
			return nil, fmt.Errorf("%w: %q needs an interface name", ErrInvalidDriver, driver)
		}
		return NewSocketCAN(arg, component), nil
	case DriverRemote:
		if _, _, err := net.SplitHostPort(arg); err != nil {
			return nil, fmt.Errorf("%w: %q needs host:port: %v", ErrInvalidDriver, driver, err)
		}
		return NewRemote(arg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, driver)
	}
}
