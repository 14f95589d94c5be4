package api

import (
	"net"

	"github.com/poolshare/aggregator/internal/registry"
)

// WorkerStatusResponse is the JSON shape served by every /status route;
// it mirrors registry.WorkerStatus field-for-field so API clients see
// the same names the KV sink writes into Redis.
type WorkerStatusResponse struct {
	Accept1m      uint64 `json:"accept_1m"`
	Accept5m      uint64 `json:"accept_5m"`
	Accept15m     uint64 `json:"accept_15m"`
	Accept1h      uint64 `json:"accept_1h"`
	Reject15m     uint64 `json:"reject_15m"`
	Reject1h      uint64 `json:"reject_1h"`
	AcceptCount   uint64 `json:"accept_count"`
	LastShareIP   string `json:"last_share_ip"`
	LastShareTime uint32 `json:"last_share_time"`
	WorkerCount   uint32 `json:"worker_count,omitempty"`
}

func toResponse(st registry.WorkerStatus) WorkerStatusResponse {
	ip := st.LastShareIP
	return WorkerStatusResponse{
		Accept1m:      st.Accept1m,
		Accept5m:      st.Accept5m,
		Accept15m:     st.Accept15m,
		Accept1h:      st.Accept1h,
		Reject15m:     st.Reject15m,
		Reject1h:      st.Reject1h,
		AcceptCount:   st.AcceptCount,
		LastShareIP:   ipString(ip),
		LastShareTime: st.LastShareTime,
		WorkerCount:   st.WorkerCount,
	}
}

func ipString(ip [4]byte) string {
	return net.IP(ip[:]).String()
}
