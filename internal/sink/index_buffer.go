package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/poolshare/aggregator/internal/registry"
	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/util"
)

// IndexBuffer accumulates sorted-set index entries during a flush's
// locked phase and is drained into ZADDs after the Registry's read lock
// is released.
type IndexBuffer struct {
	policy uint32

	mu      sync.Mutex
	entries map[int32]map[uint32][]*redis.Z // user_id -> index bit -> members
}

// NewIndexBuffer returns an IndexBuffer gated by the configured
// kv_index_policy bitmask.
func NewIndexBuffer(policy uint32) *IndexBuffer {
	return &IndexBuffer{
		policy:  policy,
		entries: make(map[int32]map[uint32][]*redis.Z),
	}
}

func (b *IndexBuffer) add(userID int32, bit uint32, score float64, member int64) {
	if b.policy&bit == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byBit, ok := b.entries[userID]
	if !ok {
		byBit = make(map[uint32][]*redis.Z)
		b.entries[userID] = byBit
	}
	byBit[bit] = append(byBit[bit], &redis.Z{Score: score, Member: fmt.Sprintf("%d", member)})
}

// AddWorker records one worker's status across every enabled index
// dimension, keyed under its owning user.
func (b *IndexBuffer) AddWorker(key share.Key, st registry.WorkerStatus) {
	b.add(key.UserID, IndexAccept1m, float64(st.Accept1m), key.WorkerHashID)
	b.add(key.UserID, IndexAccept5m, float64(st.Accept5m), key.WorkerHashID)
	b.add(key.UserID, IndexAccept15m, float64(st.Accept15m), key.WorkerHashID)
	b.add(key.UserID, IndexReject15m, float64(st.Reject15m), key.WorkerHashID)
	b.add(key.UserID, IndexAccept1h, float64(st.Accept1h), key.WorkerHashID)
	b.add(key.UserID, IndexReject1h, float64(st.Reject1h), key.WorkerHashID)
	b.add(key.UserID, IndexAcceptCount, float64(st.AcceptCount), key.WorkerHashID)
	b.add(key.UserID, IndexLastShareTime, float64(st.LastShareTime), key.WorkerHashID)
	b.add(key.UserID, IndexLastShareIP, float64(binary.BigEndian.Uint32(st.LastShareIP[:])), key.WorkerHashID)
}

// Flush issues one ZADD per (user, dimension) pair accumulated so far.
func (b *IndexBuffer) Flush(ctx context.Context, client *redis.Client, prefix string) {
	b.mu.Lock()
	entries := b.entries
	b.entries = make(map[int32]map[uint32][]*redis.Z)
	b.mu.Unlock()

	pipe := client.Pipeline()
	for userID, byBit := range entries {
		for bit, members := range byBit {
			name, ok := indexNames[bit]
			if !ok {
				continue
			}
			pipe.ZAdd(ctx, sortKey(prefix, userID, name), members...)
		}
	}
	if len(entries) == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Errorf("sink: index buffer flush error: %v", err)
	}
}
