package gateway

import (
	"fmt"

	"github.com/danmuck/canbridge/internal/allowlist"
)

// Status is a point-in-time view of the bridge for the admin surface.
type Status struct {
	State             string              `json:"state"`
	ListenAddr        string              `json:"listen_addr,omitempty"`
	SessionID         string              `json:"session_id,omitempty"`
	RemoteAddr        string              `json:"remote_addr,omitempty"`
	SessionsServed    uint64              `json:"sessions_served"`
	NetworkOutLen     int                 `json:"network_out_len"`
	BusOutLen         int                 `json:"bus_out_len"`
	NetworkOutDropped uint64              `json:"network_out_dropped"`
	BusOutDropped     uint64              `json:"bus_out_dropped"`
	Allow             map[string][]string `json:"allow"`
}

func (b *Bridge) Status() Status {
	st := Status{
		State:             b.State().String(),
		SessionsServed:    b.sessionsServed.Load(),
		NetworkOutLen:     b.networkOut.Len(),
		BusOutLen:         b.busOut.Len(),
		NetworkOutDropped: b.networkOut.Dropped(),
		BusOutDropped:     b.busOut.Dropped(),
		Allow: map[string][]string{
			allowlist.NetworkToBus.String(): hexIDs(b.policy.IDs(allowlist.NetworkToBus)),
			allowlist.BusToNetwork.String(): hexIDs(b.policy.IDs(allowlist.BusToNetwork)),
		},
	}
	if addr := b.Addr(); addr != nil {
		st.ListenAddr = addr.String()
	}
	if s := b.session.Load(); s != nil && s.Active() {
		st.SessionID = s.ID()
		st.RemoteAddr = s.RemoteAddr()
	}
	return st
}

func hexIDs(ids []uint32) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, fmt.Sprintf("0x%x", id))
	}
	return out
}
