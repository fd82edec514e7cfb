package reconnect

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("reconnect: invalid config")

// Config describes one leaf-node link to its peer.
type Config struct {
	Name           string
	PeerAddr       string
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	PollInterval   time.Duration
	ReadBufferSize int
	Backoff        BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Name:           "node",
		DialTimeout:    2 * time.Second,
		WriteTimeout:   time.Second,
		PollInterval:   time.Second,
		ReadBufferSize: 256,
		Backoff:        DefaultBackoff(),
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	addr := strings.TrimSpace(c.PeerAddr)
	if addr == "" {
		return fmt.Errorf("%w: peer address required", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: peer address %q: %v", ErrInvalidConfig, addr, err)
	}
	if c.Backoff != (BackoffConfig{}) && c.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("%w: backoff initial delay must be positive", ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay < 0 {
		return fmt.Errorf("%w: backoff max delay must not be negative", ErrInvalidConfig)
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidConfig)
	}
	return nil
}
