package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/danmuck/canbridge/internal/reconnect"
)

const (
	ModelMonitor = "monitor"
	ModelBeacon  = "beacon"
)

// ecunode.toml key mapping.
type nodeFile struct {
	Name            string        `toml:"name"`
	PeerAddr        string        `toml:"peer_addr"`
	Interface       string        `toml:"interface"`
	PollInterval    time.Duration `toml:"poll_interval"`
	DialTimeout     time.Duration `toml:"dial_timeout"`
	AdminListenAddr string        `toml:"admin_listen_addr"`
	AdminCORS       []string      `toml:"admin_cors_origins"`
	Model           string        `toml:"model"`
	Backoff         struct {
		InitialDelay time.Duration `toml:"initial_delay"`
		Multiplier   float64       `toml:"multiplier"`
		MaxDelay     time.Duration `toml:"max_delay"`
		Jitter       bool          `toml:"jitter"`
	} `toml:"backoff"`
	Beacon struct {
		ID       any           `toml:"id"`
		Data     []int64       `toml:"data"`
		Interval time.Duration `toml:"interval"`
	} `toml:"beacon"`
}

type Beacon struct {
	ID       uint32
	Data     []byte
	Interval time.Duration
}

// Node is the resolved ecunode configuration. An empty Interface means the
// link is treated as always up.
type Node struct {
	Link            reconnect.Config
	Interface       string
	AdminListenAddr string
	AdminCORS       []string
	Model           string
	Beacon          Beacon
}

func DefaultNode() Node {
	link := reconnect.DefaultConfig()
	link.PeerAddr = DefaultSegmentAddr
	return Node{
		Link:  link,
		Model: ModelMonitor,
		Beacon: Beacon{
			Interval: time.Second,
		},
	}
}

func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()

	var raw nodeFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Node{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Link.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("peer_addr") {
		cfg.Link.PeerAddr = strings.TrimSpace(raw.PeerAddr)
	}
	if meta.IsDefined("interface") {
		cfg.Interface = strings.TrimSpace(raw.Interface)
	}
	if meta.IsDefined("poll_interval") {
		cfg.Link.PollInterval = raw.PollInterval
	}
	if meta.IsDefined("dial_timeout") {
		cfg.Link.DialTimeout = raw.DialTimeout
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_cors_origins") {
		cfg.AdminCORS = raw.AdminCORS
	}
	if meta.IsDefined("model") {
		cfg.Model = strings.ToLower(strings.TrimSpace(raw.Model))
	}
	if meta.IsDefined("backoff", "initial_delay") {
		cfg.Link.Backoff.InitialDelay = raw.Backoff.InitialDelay
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Link.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "max_delay") {
		cfg.Link.Backoff.MaxDelay = raw.Backoff.MaxDelay
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Link.Backoff.Jitter = raw.Backoff.Jitter
	}
	if meta.IsDefined("beacon", "id") {
		ids, err := parseIDs("beacon.id", []any{raw.Beacon.ID})
		if err != nil {
			return Node{}, fmt.Errorf("load node config: %w", err)
		}
		cfg.Beacon.ID = ids[0]
	}
	if meta.IsDefined("beacon", "data") {
		data, err := parseData(raw.Beacon.Data)
		if err != nil {
			return Node{}, fmt.Errorf("load node config: %w", err)
		}
		cfg.Beacon.Data = data
	}
	if meta.IsDefined("beacon", "interval") {
		cfg.Beacon.Interval = raw.Beacon.Interval
	}

	if err := cfg.Validate(); err != nil {
		return Node{}, err
	}
	return cfg, nil
}

func (n Node) Validate() error {
	if strings.TrimSpace(n.Link.Name) == "" {
		return fmt.Errorf("%w: node name required", ErrInvalidConfig)
	}
	if n.Link.PollInterval < 0 || n.Link.DialTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if err := n.Link.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch n.Model {
	case ModelMonitor:
	case ModelBeacon:
		if n.Beacon.Interval <= 0 {
			return fmt.Errorf("%w: beacon interval must be positive", ErrInvalidConfig)
		}
		if len(n.Beacon.Data) > frame.MaxDataLen {
			return fmt.Errorf("%w: beacon data longer than %d bytes", ErrInvalidConfig, frame.MaxDataLen)
		}
	default:
		return fmt.Errorf("%w: unknown model %q (expected %s or %s)", ErrInvalidConfig, n.Model, ModelMonitor, ModelBeacon)
	}
	return nil
}

func parseData(raw []int64) ([]byte, error) {
	if len(raw) > frame.MaxDataLen {
		return nil, fmt.Errorf("%w: beacon.data has %d bytes, max %d", ErrInvalidConfig, len(raw), frame.MaxDataLen)
	}
	out := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("%w: beacon.data[%d]=%d is not a byte", ErrInvalidConfig, i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
