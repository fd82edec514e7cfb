// Package allowlist decides which bus identifiers may cross the gateway.
//
// Policies are built once at startup and only read afterwards, so a Policy
// is safe for concurrent use without locking.
package allowlist

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Vehicle identifiers used by the simulated ECUs.
const (
	LightingControl uint32 = 0x110
	LightingStatus  uint32 = 0x111
	HVACControl     uint32 = 0x123
	HVACStatus      uint32 = 0x125
	HVACACStatus    uint32 = 0xAC1
	HVACPowerStatus uint32 = 0xAC2
)

var ErrInvalidID = errors.New("allowlist: invalid identifier")

type Direction int

const (
	NetworkToBus Direction = iota
	BusToNetwork
)

func (d Direction) String() string {
	switch d {
	case NetworkToBus:
		return "network_to_bus"
	case BusToNetwork:
		return "bus_to_network"
	default:
		return "unknown"
	}
}

// Policy holds one identifier set per direction. Anything absent is denied.
type Policy struct {
	netToBus map[uint32]struct{}
	busToNet map[uint32]struct{}
}

func New(netToBus, busToNet []uint32) *Policy {
	return &Policy{
		netToBus: toSet(netToBus),
		busToNet: toSet(busToNet),
	}
}

// Default returns the gateway policy for the simulated vehicle: HVAC
// commands may enter the bus, only HVAC status may leave it.
func Default() *Policy {
	return New(
		[]uint32{HVACControl, HVACACStatus, HVACPowerStatus},
		[]uint32{HVACStatus},
	)
}

func (p *Policy) Permitted(id uint32, dir Direction) bool {
	if p == nil {
		return false
	}
	var set map[uint32]struct{}
	switch dir {
	case NetworkToBus:
		set = p.netToBus
	case BusToNetwork:
		set = p.busToNet
	default:
		return false
	}
	_, ok := set[id]
	return ok
}

// IDs returns the sorted identifiers allowed in dir.
func (p *Policy) IDs(dir Direction) []uint32 {
	if p == nil {
		return nil
	}
	set := p.netToBus
	if dir == BusToNetwork {
		set = p.busToNet
	}
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Empty reports whether neither direction allows anything.
func (p *Policy) Empty() bool {
	return p == nil || (len(p.netToBus) == 0 && len(p.busToNet) == 0)
}

// ParseID accepts decimal or 0x-prefixed hexadecimal identifiers.
func ParseID(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	v, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	if v > 0x1FFFFFFF {
		return 0, fmt.Errorf("%w: %q exceeds 29 bits", ErrInvalidID, raw)
	}
	return uint32(v), nil
}

func toSet(ids []uint32) map[uint32]struct{} {
	out := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
