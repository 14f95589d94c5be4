package sink

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/poolshare/aggregator/internal/registry"
	"github.com/poolshare/aggregator/internal/share"
)

func newTestKVSink(t *testing.T) (*KVSink, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	k := NewKVSink(KVConfig{
		Addrs:         []string{mr.Addr()},
		Prefix:        "shareagg:",
		PublishPolicy: 3,
		IndexPolicy:   0xFFFFFFFF,
		Concurrency:   2,
	})
	t.Cleanup(func() { k.Close() })
	return k, mr
}

// TestKVSinkFlushIsIdempotentOnContent checks that two flushes with no
// new shares in between produce identical KV state, but each flush
// still issues its own PUBLISH.
func TestKVSinkFlushIsIdempotentOnContent(t *testing.T) {
	k, mr := newTestKVSink(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	agg := registry.NewLiveAggregator()
	now := uint32(1060)
	for ts := uint32(1000); ts < 1060; ts++ {
		agg.ProcessShare(&share.Share{UserID: 1, WorkerHashID: 5, Timestamp: ts, Result: share.ResultAccept, ShareWeight: 1}, now)
	}

	k.Flush(context.Background(), agg.Registry(), now)
	first, err := client.HGetAll(context.Background(), workerKey("shareagg:", share.Key{UserID: 1, WorkerHashID: 5})).Result()
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}

	k.Flush(context.Background(), agg.Registry(), now+20)
	second, err := client.HGetAll(context.Background(), workerKey("shareagg:", share.Key{UserID: 1, WorkerHashID: 5})).Result()
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}

	for _, field := range []string{"accept_count", "accept_1m", "accept_1h", "last_share_time"} {
		if first[field] != second[field] {
			t.Errorf("field %q changed across idempotent flushes: %q -> %q", field, first[field], second[field])
		}
	}
}

// TestKVSinkFlushPublishesOnEveryTick confirms the second flush still
// emits a PUBLISH even though the row content didn't change.
func TestKVSinkFlushPublishesOnEveryTick(t *testing.T) {
	k, mr := newTestKVSink(t)

	agg := registry.NewLiveAggregator()
	now := uint32(2000)
	agg.ProcessShare(&share.Share{UserID: 9, WorkerHashID: 1, Timestamp: now, Result: share.ResultAccept, ShareWeight: 1}, now)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	psub := client.Subscribe(context.Background(), workerKey("shareagg:", share.Key{UserID: 9, WorkerHashID: 1}))
	defer psub.Close()
	if _, err := psub.Receive(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ch := psub.Channel()

	k.Flush(context.Background(), agg.Registry(), now)
	k.Flush(context.Background(), agg.Registry(), now+20)

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 2 {
		select {
		case <-ch:
			received++
		case <-timeout:
			t.Fatalf("expected 2 PUBLISH notices, got %d", received)
		}
	}
}
