package reconnect

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Notifier receives link edges. *Link implements it.
type Notifier interface {
	LinkUp()
	LinkDown()
}

var _ Notifier = (*Link)(nil)

// Source reports link state for one network interface until ctx is done.
type Source interface {
	Watch(ctx context.Context, n Notifier) error
}

// StaticUp reports a permanently usable link (loopback, development).
type StaticUp struct{}

func (StaticUp) Watch(ctx context.Context, n Notifier) error {
	n.LinkUp()
	<-ctx.Done()
	return nil
}

const usableFlags = net.FlagUp | net.FlagRunning

// InterfaceMonitor polls an interface's flags and reports edges. The first
// poll always reports the current state.
type InterfaceMonitor struct {
	Name     string
	Interval time.Duration
	Logger   zerolog.Logger

	flags func(name string) (net.Flags, error)
}

func NewInterfaceMonitor(name string, interval time.Duration, logger zerolog.Logger) *InterfaceMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &InterfaceMonitor{
		Name:     name,
		Interval: interval,
		Logger:   logger.With().Str("component", "linkmon").Str("interface", name).Logger(),
	}
}

func (m *InterfaceMonitor) Watch(ctx context.Context, n Notifier) error {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	first := true
	var wasUp bool
	var lastErr string
	for {
		up, err := m.usable()
		if err != nil && err.Error() != lastErr {
			m.Logger.Warn().Err(err).Msg("interface lookup failed")
		}
		lastErr = ""
		if err != nil {
			lastErr = err.Error()
		}

		if first || up != wasUp {
			if up {
				n.LinkUp()
			} else {
				n.LinkDown()
			}
			m.Logger.Debug().Bool("up", up).Msg("interface state")
			wasUp = up
			first = false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *InterfaceMonitor) usable() (bool, error) {
	lookup := m.flags
	if lookup == nil {
		lookup = interfaceFlags
	}
	flags, err := lookup(m.Name)
	if err != nil {
		return false, err
	}
	return flags&usableFlags == usableFlags, nil
}

func interfaceFlags(name string) (net.Flags, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return ifi.Flags, nil
}
