package sink

import (
	"fmt"
	"time"

	"github.com/poolshare/aggregator/internal/registry"
	"github.com/poolshare/aggregator/internal/share"
)

func secondsDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// workerKey returns the KV key for a single worker row:
// "<prefix>mining_workers/pu/<user_id>/wk/<worker_id>".
func workerKey(prefix string, key share.Key) string {
	return fmt.Sprintf("%smining_workers/pu/%d/wk/%d", prefix, key.UserID, key.WorkerHashID)
}

// userKey returns the KV key for a user's aggregate row:
// "<prefix>mining_workers/pu/<user_id>/all".
func userKey(prefix string, userID int32) string {
	return fmt.Sprintf("%smining_workers/pu/%d/all", prefix, userID)
}

// sortKey returns the KV key for one of a user's sorted-set indexes:
// "<prefix>mining_workers/pu/<user_id>/sort/<index_name>".
func sortKey(prefix string, userID int32, indexName string) string {
	return fmt.Sprintf("%smining_workers/pu/%d/sort/%s", prefix, userID, indexName)
}

// WorkerKey and UserKey expose the same key shapes to other packages
// (internal/meta reflects identity fields into the same rows the live
// flusher writes into).
func WorkerKey(prefix string, key share.Key) string { return workerKey(prefix, key) }
func UserKey(prefix string, userID int32) string     { return userKey(prefix, userID) }
func SortKey(prefix string, userID int32, indexName string) string {
	return sortKey(prefix, userID, indexName)
}

// statusFields flattens a WorkerStatus into the flat field/value pairs
// HMSET expects, using the same field names the status API serves.
func statusFields(st registry.WorkerStatus, updatedAt uint32, includeWorkerCount bool) []interface{} {
	fields := []interface{}{
		"accept_1m", st.Accept1m,
		"accept_5m", st.Accept5m,
		"accept_15m", st.Accept15m,
		"reject_15m", st.Reject15m,
		"accept_1h", st.Accept1h,
		"reject_1h", st.Reject1h,
		"accept_count", st.AcceptCount,
		"last_share_ip", ipString(st.LastShareIP),
		"last_share_time", st.LastShareTime,
		"updated_at", updatedAt,
	}
	if includeWorkerCount {
		fields = append(fields, "worker_count", st.WorkerCount)
	}
	return fields
}

func ipString(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// Index dimensions the IndexBuffer tracks, each gated by its own bit
// in kv_index_policy.
const (
	IndexAccept1m = 1 << iota
	IndexAccept5m
	IndexAccept15m
	IndexReject15m
	IndexAccept1h
	IndexReject1h
	IndexAcceptCount
	IndexLastShareIP
	IndexLastShareTime
	IndexWorkerName
	IndexMinerAgent
)

var indexNames = map[uint32]string{
	IndexAccept1m:      "accept_1m",
	IndexAccept5m:      "accept_5m",
	IndexAccept15m:     "accept_15m",
	IndexReject15m:     "reject_15m",
	IndexAccept1h:      "accept_1h",
	IndexReject1h:      "reject_1h",
	IndexAcceptCount:   "accept_count",
	IndexLastShareIP:   "last_share_ip",
	IndexLastShareTime: "last_share_time",
	IndexWorkerName:    "worker_name",
	IndexMinerAgent:    "miner_agent",
}
