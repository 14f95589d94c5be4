package rollup

import (
	"testing"

	"github.com/poolshare/aggregator/internal/share"
)

func acceptAt(userID int32, workerID int64, ts uint32, weight uint64, score float64) share.Share {
	return share.Share{UserID: userID, WorkerHashID: workerID, Timestamp: ts, ShareWeight: weight, Score: score, Result: share.ResultAccept}
}

func rejectAt(userID int32, workerID int64, ts uint32, weight uint64) share.Share {
	return share.Share{UserID: userID, WorkerHashID: workerID, Timestamp: ts, ShareWeight: weight, Result: share.ResultReject}
}

func TestHourIndexBoundaries(t *testing.T) {
	if got := hourIndex(0); got != 0 {
		t.Errorf("hourIndex(0) = %d, want 0", got)
	}
	if got := hourIndex(23*3600 + 59*60 + 59); got != 23 {
		t.Errorf("hourIndex(last second of day) = %d, want 23", got)
	}
}

// Replay 60 accepted shares at date_=86400,
// hour 0; after accounting, stats_pool_hour's hour 00 should reflect
// share_accept=60, share_reject=0, reject_rate=0, earn=0 (score
// defaults to 0 in the scenario).
func TestScenario5PoolHourAfterReplay(t *testing.T) {
	agg := New(0) // BLOCK_REWARD irrelevant when score is 0
	for k := uint32(0); k < 60; k++ {
		agg.ProcessShare(acceptAt(1, 5, 86400+k, 1, 0))
	}

	snap, ok := agg.Snapshot(DayKey{Day: 86400, Key: share.PoolKey})
	if !ok {
		t.Fatal("expected a pool DayStats entry for day 86400")
	}
	if snap.AcceptByHour[0] != 60 {
		t.Errorf("AcceptByHour[0] = %d, want 60", snap.AcceptByHour[0])
	}
	if snap.RejectByHour[0] != 0 {
		t.Errorf("RejectByHour[0] = %d, want 0", snap.RejectByHour[0])
	}
	if got := RejectRate(snap.AcceptByHour[0], snap.RejectByHour[0]); got != 0 {
		t.Errorf("RejectRate = %v, want 0", got)
	}
	if got := agg.Earn(snap.ScoreByHour[0]); got != 0 {
		t.Errorf("Earn = %v, want 0", got)
	}
	if snap.DirtyHours&1 == 0 {
		t.Error("hour 0 should be marked dirty")
	}
}

func TestDayStatsSumInvariant(t *testing.T) {
	agg := New(1)
	for k := uint32(0); k < 5000; k += 37 {
		agg.ProcessShare(acceptAt(2, 9, k, 3, 1.5))
		agg.ProcessShare(rejectAt(2, 9, k+1, 2))
	}

	snap, ok := agg.Snapshot(DayKey{Day: 0, Key: share.Key{UserID: 2, WorkerHashID: 9}})
	if !ok {
		t.Fatal("expected a worker DayStats entry")
	}

	var acceptSum, rejectSum uint64
	var scoreSum float64
	for h := 0; h < hoursPerDay; h++ {
		acceptSum += snap.AcceptByHour[h]
		rejectSum += snap.RejectByHour[h]
		scoreSum += snap.ScoreByHour[h]
	}
	if acceptSum != snap.AcceptDay {
		t.Errorf("sum(AcceptByHour) = %d, want AcceptDay = %d", acceptSum, snap.AcceptDay)
	}
	if rejectSum != snap.RejectDay {
		t.Errorf("sum(RejectByHour) = %d, want RejectDay = %d", rejectSum, snap.RejectDay)
	}
	if scoreSum != snap.ScoreDay {
		t.Errorf("sum(ScoreByHour) = %v, want ScoreDay = %v", scoreSum, snap.ScoreDay)
	}
}

func TestProcessSharePoolUserWorkerAllUpdated(t *testing.T) {
	agg := New(1)
	agg.ProcessShare(acceptAt(7, 3, 100, 1, 0))

	for _, key := range []share.Key{share.PoolKey, {UserID: 7}, {UserID: 7, WorkerHashID: 3}} {
		snap, ok := agg.Snapshot(DayKey{Day: 0, Key: key})
		if !ok {
			t.Fatalf("missing DayStats for key %+v", key)
		}
		if snap.AcceptDay != 1 {
			t.Errorf("key %+v AcceptDay = %d, want 1", key, snap.AcceptDay)
		}
	}
}

func TestProcessShareUserZeroDoesNotDoubleCountPool(t *testing.T) {
	agg := New(1)
	agg.ProcessShare(acceptAt(0, 0, 100, 1, 0))

	snap, _ := agg.Snapshot(DayKey{Day: 0, Key: share.PoolKey})
	if snap.AcceptDay != 1 {
		t.Errorf("AcceptDay = %d, want 1 (pool and user-0 share one entry)", snap.AcceptDay)
	}
}

func TestDirtyEntriesAndClear(t *testing.T) {
	agg := New(1)
	agg.ProcessShare(acceptAt(1, 1, 100, 1, 0))

	key := DayKey{Day: 0, Key: share.Key{UserID: 1, WorkerHashID: 1}}
	dirty := agg.DirtyEntries()
	if len(dirty) == 0 {
		t.Fatal("expected at least one dirty entry")
	}

	snap, _ := agg.Snapshot(key)
	agg.ClearDirty(key, snap.DirtyHours)

	snap2, _ := agg.Snapshot(key)
	if snap2.DirtyHours != 0 {
		t.Errorf("DirtyHours after ClearDirty = %b, want 0", snap2.DirtyHours)
	}
}

func TestTargetTablesClassification(t *testing.T) {
	if h, d := targetTables(share.PoolKey); h != "stats_pool_hour" || d != "stats_pool_day" {
		t.Errorf("pool tables = %s, %s", h, d)
	}
	if h, d := targetTables(share.Key{UserID: 5}); h != "stats_users_hour" || d != "stats_users_day" {
		t.Errorf("user tables = %s, %s", h, d)
	}
	if h, d := targetTables(share.Key{UserID: 5, WorkerHashID: 9}); h != "stats_workers_hour" || d != "stats_workers_day" {
		t.Errorf("worker tables = %s, %s", h, d)
	}
}
