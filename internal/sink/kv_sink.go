package sink

import (
	"context"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/remeh/sizedwaitgroup"

	"github.com/poolshare/aggregator/internal/registry"
	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/util"
)

// KVConfig configures the sharded KV flusher.
type KVConfig struct {
	Addrs         []string // round-robined across shards
	Password      string
	DB            int
	Prefix        string
	KeyTTLSeconds int
	PublishPolicy uint32 // bit 1 = worker update, bit 2 = user update
	IndexPolicy   uint32
	Concurrency   int
	LastFlushFile string
}

// workerStatusEntry pairs a worker key with the snapshot read for it
// while the Registry's read lock was held.
type workerStatusEntry struct {
	key share.Key
	st  registry.WorkerStatus
}

// userStatusEntry pairs a user ID with the snapshot read for it while
// the Registry's read lock was held.
type userStatusEntry struct {
	userID int32
	st     registry.WorkerStatus
}

// KVSink is the sharded flusher: the worker
// and user maps are each partitioned into Concurrency shards by ordinal
// position, and each shard owns a dedicated connection.
type KVSink struct {
	cfg     KVConfig
	clients []*redis.Client
	index   *redis.Client

	flushing atomic.Bool
}

// NewKVSink dials one Redis connection per configured shard plus one
// for the index buffer: one connection per fan-out shard, none shared
// across threads.
func NewKVSink(cfg KVConfig) *KVSink {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	clients := make([]*redis.Client, cfg.Concurrency)
	for i := range clients {
		addr := cfg.Addrs[i%len(cfg.Addrs)]
		clients[i] = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	}
	index := redis.NewClient(&redis.Options{Addr: cfg.Addrs[0], Password: cfg.Password, DB: cfg.DB})
	return &KVSink{cfg: cfg, clients: clients, index: index}
}

// Close releases every shard connection.
func (k *KVSink) Close() error {
	for _, c := range k.clients {
		c.Close()
	}
	return k.index.Close()
}

// Flush drains the Registry into KV. A flush already in progress
// causes this tick to be skipped with a warning rather than overlap.
func (k *KVSink) Flush(ctx context.Context, reg *registry.Registry, now uint32) {
	if !k.flushing.CompareAndSwap(false, true) {
		util.Warnf("sink: kv flush already in progress, skipping tick")
		return
	}
	defer k.flushing.Store(false)

	idx := NewIndexBuffer(k.cfg.IndexPolicy)

	// Every snapshot read happens under the read lock; the lock is
	// released before any shard issues network I/O against Redis.
	reg.RLock()
	workerShards := shardSlice(reg.WorkerEntries(), k.cfg.Concurrency)
	userShards := shardSlice(reg.UserEntries(), k.cfg.Concurrency)

	workerStatuses := make([][]workerStatusEntry, k.cfg.Concurrency)
	userStatuses := make([][]userStatusEntry, k.cfg.Concurrency)
	for i := 0; i < k.cfg.Concurrency; i++ {
		for _, key := range workerShards[i] {
			if st, ok := reg.WorkerStatusLocked(key, now); ok {
				workerStatuses[i] = append(workerStatuses[i], workerStatusEntry{key, st})
				idx.AddWorker(key, st)
			}
		}
		for _, userID := range userShards[i] {
			if st, ok := reg.UserStatusLocked(userID, now); ok {
				userStatuses[i] = append(userStatuses[i], userStatusEntry{userID, st})
			}
		}
	}
	reg.RUnlock()

	swg := sizedwaitgroup.New(k.cfg.Concurrency)
	for i := 0; i < k.cfg.Concurrency; i++ {
		swg.Add()
		go func(i int) {
			defer swg.Done()
			k.flushWorkerShard(ctx, i, workerStatuses[i], now)
			k.flushUserShard(ctx, i, userStatuses[i], now)
		}(i)
	}
	swg.Wait()

	idx.Flush(ctx, k.index, k.cfg.Prefix)
	writeLastFlushFile(k.cfg.LastFlushFile, now)
}

func (k *KVSink) flushWorkerShard(ctx context.Context, shardIdx int, entries []workerStatusEntry, now uint32) {
	if len(entries) == 0 {
		return
	}
	client := k.clients[shardIdx]
	pipe := client.Pipeline()
	for _, e := range entries {
		rk := workerKey(k.cfg.Prefix, e.key)
		pipe.HSet(ctx, rk, statusFields(e.st, now, false)...)
		if k.cfg.KeyTTLSeconds > 0 {
			pipe.Expire(ctx, rk, secondsDuration(k.cfg.KeyTTLSeconds))
		}
		if k.cfg.PublishPolicy&1 != 0 {
			pipe.Publish(ctx, rk, "1")
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Errorf("sink: kv worker shard %d flush error: %v", shardIdx, err)
	}
}

func (k *KVSink) flushUserShard(ctx context.Context, shardIdx int, entries []userStatusEntry, now uint32) {
	if len(entries) == 0 {
		return
	}
	client := k.clients[shardIdx]
	pipe := client.Pipeline()
	for _, e := range entries {
		rk := userKey(k.cfg.Prefix, e.userID)
		pipe.HSet(ctx, rk, statusFields(e.st, now, true)...)
		if k.cfg.KeyTTLSeconds > 0 {
			pipe.Expire(ctx, rk, secondsDuration(k.cfg.KeyTTLSeconds))
		}
		if k.cfg.PublishPolicy&2 != 0 {
			pipe.Publish(ctx, rk, e.st.WorkerCount)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Errorf("sink: kv user shard %d flush error: %v", shardIdx, err)
	}
}

// shardSlice partitions items into n shards by ordinal position: shard
// i comprises items[i*step : (i+1)*step).
func shardSlice[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	shards := make([][]T, n)
	step := (len(items) + n - 1) / n
	if step == 0 {
		step = 1
	}
	for i := 0; i < n; i++ {
		lo := i * step
		if lo > len(items) {
			lo = len(items)
		}
		hi := lo + step
		if hi > len(items) {
			hi = len(items)
		}
		shards[i] = items[lo:hi]
	}
	return shards
}
