// Package meta implements the MetaUpdater side channel: it consumes
// worker-identity events (name, agent string) off a separate bus and
// reflects them into both sinks without touching any counters.
package meta

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-redis/redis/v8"

	"github.com/poolshare/aggregator/internal/bus"
	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/sink"
	"github.com/poolshare/aggregator/internal/util"
)

// Event is the wire shape of one meta-bus record:
// {type: "worker_update", content: {user_id, worker_id, worker_name, miner_agent}}.
type Event struct {
	Type    string      `json:"type"`
	Content EventContent `json:"content"`
}

type EventContent struct {
	UserID     int32  `json:"user_id"`
	WorkerID   int64  `json:"worker_id"`
	WorkerName string `json:"worker_name"`
	MinerAgent string `json:"miner_agent"`
}

const maxIdentityFieldLen = 64

// Sanitize strips control characters and disallowed bytes from an
// identity field: only printable ASCII survives, and the result is
// capped at a bounded length so it can't blow out a VARCHAR column or
// a KV key segment.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f || r > 0x7e {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxIdentityFieldLen {
		out = out[:maxIdentityFieldLen]
	}
	return out
}

// rank packs up to the first 6 sanitized bytes of name into a float64
// that sorts identically to a lexicographic string compare, for use as
// a ZADD score: an alphanumeric rank of the name.
func rank(name string) float64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v <<= 8
		if i < len(name) {
			v |= uint64(name[i])
		}
	}
	return float64(v)
}

// Updater reflects worker-identity events into SQL and KV.
type Updater struct {
	db     *sql.DB
	kv     *redis.Client
	prefix string

	indexPolicy   uint32
	publishPolicy int
}

// Config configures an Updater.
type Config struct {
	Prefix        string
	IndexPolicy   uint32
	PublishPolicy int
}

// New returns an Updater writing through db and kv.
func New(db *sql.DB, kv *redis.Client, cfg Config) *Updater {
	return &Updater{db: db, kv: kv, prefix: cfg.Prefix, indexPolicy: cfg.IndexPolicy, publishPolicy: cfg.PublishPolicy}
}

// Run consumes meta-bus events until ctx is canceled. Timeout and
// end-of-stream are re-polled without logging; other bus errors are
// logged and re-polled.
func (u *Updater) Run(ctx context.Context, b bus.Bus) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := b.Consume(500 * time.Millisecond)
		if err != nil {
			if err == bus.ErrTimeout || err == bus.ErrEndOfStream {
				continue
			}
			util.Errorf("meta: consume: %v", err)
			continue
		}
		if err := u.Process(ctx, msg.Payload); err != nil {
			util.Errorf("meta: process event: %v", err)
		}
	}
}

// Process decodes one meta-bus payload and applies it to both sinks.
func (u *Updater) Process(ctx context.Context, payload []byte) error {
	var ev Event
	if err := sonic.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("meta: decode event: %w", err)
	}
	if ev.Type != "worker_update" {
		util.Debugf("meta: ignoring event of type %q", ev.Type)
		return nil
	}

	name := Sanitize(ev.Content.WorkerName)
	agent := Sanitize(ev.Content.MinerAgent)
	userID, workerID := ev.Content.UserID, ev.Content.WorkerID

	if err := u.upsertSQL(ctx, userID, workerID, name, agent); err != nil {
		return fmt.Errorf("meta: sql upsert: %w", err)
	}
	if err := u.upsertKV(ctx, userID, workerID, name, agent); err != nil {
		return fmt.Errorf("meta: kv upsert: %w", err)
	}
	return nil
}

// upsertSQL UPSERTs the identity fields into mining_workers, preserving
// the current group_id unless it is 0 (the "deleted" marker), in which
// case it resets to -user_id.
func (u *Updater) upsertSQL(ctx context.Context, userID int32, workerID int64, name, agent string) error {
	const stmt = `INSERT INTO mining_workers (worker_id, puid, group_id, worker_name, miner_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, UNIX_TIMESTAMP(), UNIX_TIMESTAMP())
		ON DUPLICATE KEY UPDATE
			worker_name = VALUES(worker_name),
			miner_agent = VALUES(miner_agent),
			group_id = IF(group_id = 0, VALUES(group_id), group_id),
			updated_at = VALUES(updated_at)`
	_, err := u.db.ExecContext(ctx, stmt, workerID, userID, -userID, name, agent)
	return err
}

// upsertKV HMSETs the identity fields into the same row the
// LiveAggregator flusher writes counters into, then ZADDs optional
// rank-index entries.
func (u *Updater) upsertKV(ctx context.Context, userID int32, workerID int64, name, agent string) error {
	key := sink.WorkerKey(u.prefix, share.Key{UserID: userID, WorkerHashID: workerID})
	pipe := u.kv.Pipeline()
	pipe.HMSet(ctx, key, "worker_name", name, "miner_agent", agent, "updated_at", time.Now().Unix())
	if u.publishPolicy&1 != 0 {
		pipe.Publish(ctx, key, "0")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	indexWorkerName := u.indexPolicy&sink.IndexWorkerName != 0 && name != ""
	indexMinerAgent := u.indexPolicy&sink.IndexMinerAgent != 0 && agent != ""
	if !indexWorkerName && !indexMinerAgent {
		return nil
	}

	idxPipe := u.kv.Pipeline()
	if indexWorkerName {
		idxPipe.ZAdd(ctx, sink.SortKey(u.prefix, userID, "worker_name"), &redis.Z{Score: rank(name), Member: workerID})
	}
	if indexMinerAgent {
		idxPipe.ZAdd(ctx, sink.SortKey(u.prefix, userID, "miner_agent"), &redis.Z{Score: rank(agent), Member: workerID})
	}
	_, err := idxPipe.Exec(ctx)
	return err
}
