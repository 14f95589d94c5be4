package rollup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/sink"
)

const (
	statsHourColumns = "puid INT, worker_id BIGINT, day_ts INT, hour_index INT, " +
		"share_accept BIGINT, share_reject BIGINT, reject_rate DOUBLE, score DOUBLE, earn BIGINT, " +
		"created_at INT, updated_at INT"
	statsDayColumns = "puid INT, worker_id BIGINT, day_ts INT, " +
		"share_accept BIGINT, share_reject BIGINT, reject_rate DOUBLE, score DOUBLE, earn BIGINT, " +
		"created_at INT, updated_at INT"
)

var (
	statsHourInsertColumns = []string{
		"puid", "worker_id", "day_ts", "hour_index",
		"share_accept", "share_reject", "reject_rate", "score", "earn",
		"created_at", "updated_at",
	}
	statsHourSkipOnUpdate = []string{"puid", "worker_id", "day_ts", "hour_index", "created_at"}

	statsDayInsertColumns = []string{
		"puid", "worker_id", "day_ts",
		"share_accept", "share_reject", "reject_rate", "score", "earn",
		"created_at", "updated_at",
	}
	statsDaySkipOnUpdate = []string{"puid", "worker_id", "day_ts", "created_at"}
)

// targetTables returns the hour and day table names a DayKey's rows
// belong in: pool, user, worker.
func targetTables(key share.Key) (hourTable, dayTable string) {
	switch {
	case key.IsPoolAggregate():
		return "stats_pool_hour", "stats_pool_day"
	case key.IsUserAggregate():
		return "stats_users_hour", "stats_users_day"
	default:
		return "stats_workers_hour", "stats_workers_day"
	}
}

type flushEntry struct {
	key  DayKey
	snap DaySnapshot
}

// Flush snapshots every DayStats with unflushed changes, emits one row
// per dirty hour into the appropriate *_hour table and one row per
// nonzero day into the matching *_day table, and merges both via the
// staging-table-plus-merge pattern. Dirty bits are cleared only after
// their table's merge commits.
func (a *Aggregator) Flush(ctx context.Context, db *sql.DB, now uint32) error {
	dirty := a.DirtyEntries()
	if len(dirty) == 0 {
		return nil
	}

	entries := make([]flushEntry, 0, len(dirty))
	for _, dk := range dirty {
		snap, ok := a.Snapshot(dk)
		if !ok || snap.DirtyHours == 0 {
			continue
		}
		entries = append(entries, flushEntry{key: dk, snap: snap})
	}

	hourRows := make(map[string][][]interface{})
	dayRows := make(map[string][][]interface{})
	for _, e := range entries {
		hourTable, dayTable := targetTables(e.key.Key)
		for h := 0; h < hoursPerDay; h++ {
			if e.snap.DirtyHours&(1<<uint(h)) == 0 {
				continue
			}
			accept, reject, score := e.snap.AcceptByHour[h], e.snap.RejectByHour[h], e.snap.ScoreByHour[h]
			hourRows[hourTable] = append(hourRows[hourTable], []interface{}{
				e.key.Key.UserID, e.key.Key.WorkerHashID, e.key.Day, h,
				accept, reject, RejectRate(accept, reject), score, int64(a.Earn(score)),
				now, now,
			})
		}
		dayRows[dayTable] = append(dayRows[dayTable], []interface{}{
			e.key.Key.UserID, e.key.Key.WorkerHashID, e.key.Day,
			e.snap.AcceptDay, e.snap.RejectDay, RejectRate(e.snap.AcceptDay, e.snap.RejectDay), e.snap.ScoreDay, int64(a.Earn(e.snap.ScoreDay)),
			now, now,
		})
	}

	for table, rows := range hourRows {
		if err := sink.StageAndMerge(ctx, db, table, statsHourColumns, statsHourInsertColumns, statsHourSkipOnUpdate, "(puid, worker_id, day_ts, hour_index)", rows); err != nil {
			return fmt.Errorf("rollup: flush %s: %w", table, err)
		}
	}
	for table, rows := range dayRows {
		if err := sink.StageAndMerge(ctx, db, table, statsDayColumns, statsDayInsertColumns, statsDaySkipOnUpdate, "(puid, worker_id, day_ts)", rows); err != nil {
			return fmt.Errorf("rollup: flush %s: %w", table, err)
		}
	}

	for _, e := range entries {
		a.ClearDirty(e.key, e.snap.DirtyHours)
	}
	return nil
}

// Retention windows.
const (
	workersDayRetention  = 90 * 24 * time.Hour
	workersHourRetention = 72 * time.Hour
	usersHourRetention   = 30 * 24 * time.Hour
)

// Prune deletes rows older than the retention windows above.
// cmd/shareagg runs it on the rollup.retention_interval ticker.
func Prune(ctx context.Context, db *sql.DB, now time.Time) error {
	deletes := []struct {
		table  string
		cutoff int64
	}{
		{"stats_workers_day", now.Add(-workersDayRetention).Unix()},
		{"stats_workers_hour", now.Add(-workersHourRetention).Unix()},
		{"stats_users_hour", now.Add(-usersHourRetention).Unix()},
	}
	for _, d := range deletes {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE day_ts < ?", d.table), d.cutoff); err != nil {
			return fmt.Errorf("rollup: prune %s: %w", d.table, err)
		}
	}
	return nil
}
