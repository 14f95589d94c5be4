package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/go-sql-driver/mysql"

	"github.com/poolshare/aggregator/internal/registry"
	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/util"
)

const miningWorkersColumns = "worker_id BIGINT, puid INT, group_id INT, " +
	"accept_1m BIGINT, accept_5m BIGINT, accept_15m BIGINT, reject_15m BIGINT, " +
	"accept_1h BIGINT, reject_1h BIGINT, accept_count BIGINT, " +
	"last_share_ip VARCHAR(45), last_share_time INT, updated_at INT"

var miningWorkersInsertColumns = []string{
	"worker_id", "puid", "group_id",
	"accept_1m", "accept_5m", "accept_15m", "reject_15m",
	"accept_1h", "reject_1h", "accept_count",
	"last_share_ip", "last_share_time", "updated_at",
}

// group_id is owned by MetaUpdater: the live flusher's merge must never
// overwrite it, nor the key columns themselves.
var miningWorkersSkipOnUpdate = []string{"group_id", "worker_id", "puid"}

// SQLSink merges Registry snapshots into the mining_workers table.
type SQLSink struct {
	db *sql.DB

	lastFlushFile string
	flushing      atomic.Bool
}

// NewSQLSink opens a MySQL connection pool. dsn follows
// go-sql-driver/mysql's DSN syntax; the caller must size
// max_allowed_packet to at least 16 MiB server-side. lastFlushFile is
// the watchdog path a successful flush stamps with the current UNIX
// epoch; pass "" to disable it.
func NewSQLSink(dsn string, lastFlushFile string) (*SQLSink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: open mysql: %w", err)
	}
	return &SQLSink{db: db, lastFlushFile: lastFlushFile}, nil
}

// Close releases the underlying connection pool.
func (s *SQLSink) Close() error { return s.db.Close() }

// Flush snapshots the Registry and merges it into mining_workers.
// initializing suppresses the flush entirely: replaying historical
// shares would otherwise zero out hashrates for an incomplete window.
func (s *SQLSink) Flush(ctx context.Context, reg *registry.Registry, now uint32, initializing bool) error {
	if initializing {
		util.Debug("sink: suppressing sql flush during live-aggregator initialization")
		return nil
	}
	if !s.flushing.CompareAndSwap(false, true) {
		util.Warnf("sink: sql flush already in progress, skipping tick")
		return nil
	}
	defer s.flushing.Store(false)

	reg.RLock()
	workerKeys := reg.WorkerEntries()
	userIDs := reg.UserEntries()

	rows := make([][]interface{}, 0, len(workerKeys)+len(userIDs))
	for _, key := range workerKeys {
		st, ok := reg.WorkerStatusLocked(key, now)
		if !ok {
			continue
		}
		rows = append(rows, workerRow(key, st, now))
	}
	for _, userID := range userIDs {
		st, ok := reg.UserStatusLocked(userID, now)
		if !ok {
			continue
		}
		rows = append(rows, userRow(userID, st, now))
	}
	reg.RUnlock()

	if err := StageAndMerge(ctx, s.db, "mining_workers", miningWorkersColumns, miningWorkersInsertColumns, miningWorkersSkipOnUpdate, "(puid, worker_id)", rows); err != nil {
		return fmt.Errorf("sink: sql flush: %w", err)
	}
	writeLastFlushFile(s.lastFlushFile, now)
	return nil
}

func workerRow(key share.Key, st registry.WorkerStatus, now uint32) []interface{} {
	return []interface{}{
		// group_id is 0 on first insert (the value MetaUpdater treats as
		// "deleted" and resets to -user_id) and otherwise left
		// untouched: the merge's ON
		// DUPLICATE KEY UPDATE omits this column.
		key.WorkerHashID, key.UserID, 0,
		st.Accept1m, st.Accept5m, st.Accept15m, st.Reject15m,
		st.Accept1h, st.Reject1h, st.AcceptCount,
		ipString(st.LastShareIP), st.LastShareTime, now,
	}
}

// userRow carries worker_id = 0 and defaults group_id to -user_id.
func userRow(userID int32, st registry.WorkerStatus, now uint32) []interface{} {
	return []interface{}{
		0, userID, -userID,
		st.Accept1m, st.Accept5m, st.Accept15m, st.Reject15m,
		st.Accept1h, st.Reject1h, st.AcceptCount,
		ipString(st.LastShareIP), st.LastShareTime, now,
	}
}
