package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/canbridge/internal/allowlist"
	"github.com/danmuck/canbridge/internal/bus"
	"github.com/danmuck/canbridge/internal/gateway"
	"github.com/rs/zerolog"
)

// cangw.toml key mapping.
type gatewayFile struct {
	ListenAddr      string        `toml:"listen_addr"`
	Bus             string        `toml:"bus"`
	QueueCapacity   int           `toml:"queue_capacity"`
	PushTimeout     time.Duration `toml:"push_timeout"`
	BusSendTimeout  time.Duration `toml:"bus_send_timeout"`
	AdminListenAddr string        `toml:"admin_listen_addr"`
	AdminCORS       []string      `toml:"admin_cors_origins"`
	Allow           struct {
		NetworkToBus []any `toml:"network_to_bus"`
		BusToNetwork []any `toml:"bus_to_network"`
	} `toml:"allow"`
}

// Gateway is the resolved cangw configuration.
type Gateway struct {
	Bridge          gateway.Config
	Bus             string
	AdminListenAddr string
	AdminCORS       []string
}

func DefaultGateway() Gateway {
	return Gateway{
		Bridge: gateway.DefaultConfig(),
		Bus:    bus.DriverRemote + ":" + DefaultSegmentAddr,
	}
}

// LoadGateway decodes path over the defaults. The allow table is required:
// a gateway without an explicit allow-list does not start.
func LoadGateway(path string) (Gateway, error) {
	cfg := DefaultGateway()

	var raw gatewayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Gateway{}, fmt.Errorf("load gateway config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Bridge.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("bus") {
		cfg.Bus = strings.TrimSpace(raw.Bus)
	}
	if meta.IsDefined("queue_capacity") {
		cfg.Bridge.QueueCapacity = raw.QueueCapacity
	}
	if meta.IsDefined("push_timeout") {
		cfg.Bridge.PushTimeout = raw.PushTimeout
	}
	if meta.IsDefined("bus_send_timeout") {
		cfg.Bridge.BusSendTimeout = raw.BusSendTimeout
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_cors_origins") {
		cfg.AdminCORS = raw.AdminCORS
	}

	if !meta.IsDefined("allow") {
		return Gateway{}, fmt.Errorf("%w: load gateway config: [allow] table is required", ErrInvalidConfig)
	}
	netToBus, err := parseIDs("allow.network_to_bus", raw.Allow.NetworkToBus)
	if err != nil {
		return Gateway{}, fmt.Errorf("load gateway config: %w", err)
	}
	busToNet, err := parseIDs("allow.bus_to_network", raw.Allow.BusToNetwork)
	if err != nil {
		return Gateway{}, fmt.Errorf("load gateway config: %w", err)
	}
	cfg.Bridge.Policy = allowlist.New(netToBus, busToNet)

	if err := cfg.Validate(); err != nil {
		return Gateway{}, err
	}
	return cfg, nil
}

func (g Gateway) Validate() error {
	if err := g.Bridge.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(g.Bus) == "" {
		return fmt.Errorf("%w: bus driver required", ErrInvalidConfig)
	}
	if _, err := bus.Open(g.Bus, zerolog.Nop()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
