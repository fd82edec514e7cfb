// Package config loads the TOML files for cangw and ecunode. Values absent
// from a file keep their runtime defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/canbridge/internal/allowlist"
	gotoml "github.com/pelletier/go-toml/v2"
)

const (
	KindGateway = "cangw"
	KindNode    = "ecunode"
)

// DefaultSegmentAddr is where canbus listens by default. Both the gateway's
// bus driver and leaf nodes attach there.
const DefaultSegmentAddr = "127.0.0.1:8090"

var ErrInvalidConfig = errors.New("config: invalid")

// parseIDs accepts a TOML array mixing integers and "0x.." strings.
func parseIDs(key string, raw []any) ([]uint32, error) {
	ids := make([]uint32, 0, len(raw))
	for i, v := range raw {
		var (
			id  uint32
			err error
		)
		switch x := v.(type) {
		case int64:
			if x < 0 || x > 0x1FFFFFFF {
				err = fmt.Errorf("%w: %d", allowlist.ErrInvalidID, x)
			}
			id = uint32(x)
		case string:
			id, err = allowlist.ParseID(x)
		default:
			err = fmt.Errorf("unsupported value %v (%T)", v, v)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrInvalidConfig, key, i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CheckKeys rejects keys that the file kind does not know, catching typos
// that a lenient decode would silently ignore.
func CheckKeys(path, kind string) error {
	var schema any
	switch normalizeKind(kind) {
	case KindGateway:
		schema = &gatewaySchema{}
	case KindNode:
		schema = &nodeSchema{}
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config check failed (%s): %w", path, err)
	}
	defer f.Close()

	dec := gotoml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(schema); err != nil {
		var strict *gotoml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: %s: unknown keys:\n%s", ErrInvalidConfig, path, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// Key sets only; values are checked by the BurntSushi loaders.
type gatewaySchema struct {
	ListenAddr      any `toml:"listen_addr"`
	Bus             any `toml:"bus"`
	QueueCapacity   any `toml:"queue_capacity"`
	PushTimeout     any `toml:"push_timeout"`
	BusSendTimeout  any `toml:"bus_send_timeout"`
	AdminListenAddr any `toml:"admin_listen_addr"`
	AdminCORS       any `toml:"admin_cors_origins"`
	Allow           struct {
		NetworkToBus any `toml:"network_to_bus"`
		BusToNetwork any `toml:"bus_to_network"`
	} `toml:"allow"`
}

type nodeSchema struct {
	Name            any `toml:"name"`
	PeerAddr        any `toml:"peer_addr"`
	Interface       any `toml:"interface"`
	PollInterval    any `toml:"poll_interval"`
	DialTimeout     any `toml:"dial_timeout"`
	AdminListenAddr any `toml:"admin_listen_addr"`
	AdminCORS       any `toml:"admin_cors_origins"`
	Model           any `toml:"model"`
	Backoff         struct {
		InitialDelay any `toml:"initial_delay"`
		Multiplier   any `toml:"multiplier"`
		MaxDelay     any `toml:"max_delay"`
		Jitter       any `toml:"jitter"`
	} `toml:"backoff"`
	Beacon struct {
		ID       any `toml:"id"`
		Data     any `toml:"data"`
		Interval any `toml:"interval"`
	} `toml:"beacon"`
}
