package config

import (
	"fmt"
	"os"
)

func Template(kind string) (string, error) {
	switch normalizeKind(kind) {
	case KindGateway:
		return gatewayTemplate, nil
	case KindNode:
		return nodeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// DefaultPath is where cangw and ecunode look when --config is not given.
func DefaultPath(kind string) (string, error) {
	switch normalizeKind(kind) {
	case KindGateway:
		return "cmd/cangw/config.toml", nil
	case KindNode:
		return "cmd/ecunode/config.toml", nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// Validate loads path with the loader for kind after the strict key check.
func Validate(path, kind string) error {
	if err := CheckKeys(path, kind); err != nil {
		return err
	}
	var err error
	switch normalizeKind(kind) {
	case KindGateway:
		_, err = LoadGateway(path)
	case KindNode:
		_, err = LoadNode(path)
	}
	return err
}

const gatewayTemplate = `listen_addr = ":8080"
bus = "remote:127.0.0.1:8090"
queue_capacity = 32
push_timeout = "10ms"
bus_send_timeout = "100ms"
admin_listen_addr = "127.0.0.1:9180"
admin_cors_origins = ["http://localhost:3000"]

[allow]
network_to_bus = ["0x123", "0xAC1", "0xAC2"]
bus_to_network = ["0x125"]
`

const nodeTemplate = `name = "hvac-node"
peer_addr = "127.0.0.1:8090"
interface = ""
poll_interval = "1s"
dial_timeout = "2s"
admin_listen_addr = ""
model = "monitor"

[backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[beacon]
id = "0x125"
data = [1, 22]
interval = "1s"
`
