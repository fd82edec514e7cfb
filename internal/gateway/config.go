package gateway

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/canbridge/internal/allowlist"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/relay"
)

const (
	DefaultListenAddr     = ":8080"
	DefaultBusSendTimeout = 100 * time.Millisecond
	DefaultReadBufferSize = 1024
)

var ErrInvalidConfig = errors.New("gateway: invalid config")

// Gateway runtime configuration.
type Config struct {
	ListenAddr     string
	QueueCapacity  int
	PushTimeout    time.Duration
	BusSendTimeout time.Duration
	ReadBufferSize int
	Policy         *allowlist.Policy
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		QueueCapacity:  relay.DefaultCapacity,
		PushTimeout:    relay.DefaultPushTimeout,
		BusSendTimeout: DefaultBusSendTimeout,
		ReadBufferSize: DefaultReadBufferSize,
		Policy:         allowlist.Default(),
	}
}

// WithDefaults fills zero-valued tunables. The policy is never defaulted:
// a gateway without an explicit allow-list must fail validation.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = d.ListenAddr
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
	if err := validateListenAddr(c.ListenAddr); err != nil {
		return err
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue capacity must be positive, got %d", ErrInvalidConfig, c.QueueCapacity)
	}
	if c.PushTimeout < 0 {
		return fmt.Errorf("%w: push timeout must not be negative", ErrInvalidConfig)
	}
	if c.BusSendTimeout <= 0 {
		return fmt.Errorf("%w: bus send timeout must be positive", ErrInvalidConfig)
	}
	if c.ReadBufferSize < frame.HeaderLen+frame.MaxDataLen {
		return fmt.Errorf("%w: read buffer %d smaller than one frame", ErrInvalidConfig, c.ReadBufferSize)
	}
	if c.Policy == nil || c.Policy.Empty() {
		return fmt.Errorf("%w: allow-list missing", ErrInvalidConfig)
	}
	return nil
}

func validateListenAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: listen address required", ErrInvalidConfig)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%w: invalid port %q", ErrInvalidConfig, port)
	}
	return nil
}
