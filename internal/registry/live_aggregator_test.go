package registry

import (
	"testing"

	"github.com/poolshare/aggregator/internal/share"
)

func acceptShare(userID int32, workerID int64, ts uint32, weight uint64) *share.Share {
	return &share.Share{
		UserID:       userID,
		WorkerHashID: workerID,
		IP:           [4]byte{10, 0, 0, 1},
		Timestamp:    ts,
		ShareWeight:  weight,
		Result:       share.ResultAccept,
	}
}

func rejectShare(userID int32, workerID int64, ts uint32, weight uint64) *share.Share {
	return &share.Share{
		UserID:       userID,
		WorkerHashID: workerID,
		IP:           [4]byte{10, 0, 0, 1},
		Timestamp:    ts,
		ShareWeight:  weight,
		Result:       share.ResultReject,
	}
}

// 60 ACCEPT shares at t=1000..1059, now=1060.
func TestScenario1SixtyAcceptShares(t *testing.T) {
	agg := NewLiveAggregator()
	for ts := uint32(1000); ts <= 1059; ts++ {
		agg.ProcessShare(acceptShare(1, 5, ts, 1), 1060)
	}

	key := share.Key{UserID: 1, WorkerHashID: 5}
	got := agg.GetWorkerStatusBatch([]share.Key{key}, 1060)[0]

	if got.Accept1m != 60 || got.Accept5m != 60 || got.Accept15m != 60 || got.Accept1h != 60 {
		t.Fatalf("accept windows = %+v, want all 60", got)
	}
	if got.Reject15m != 0 {
		t.Errorf("Reject15m = %d, want 0", got.Reject15m)
	}
	if got.AcceptCount != 60 {
		t.Errorf("AcceptCount = %d, want 60", got.AcceptCount)
	}
	if got.LastShareTime != 1059 {
		t.Errorf("LastShareTime = %d, want 1059", got.LastShareTime)
	}
}

// Same as above plus two REJECT shares.
func TestScenario2AcceptAndReject(t *testing.T) {
	agg := NewLiveAggregator()
	for ts := uint32(1000); ts <= 1059; ts++ {
		agg.ProcessShare(acceptShare(1, 5, ts, 1), 1060)
	}
	agg.ProcessShare(rejectShare(1, 5, 1055, 10), 1060)
	agg.ProcessShare(rejectShare(1, 5, 1057, 10), 1060)

	key := share.Key{UserID: 1, WorkerHashID: 5}
	got := agg.GetWorkerStatusBatch([]share.Key{key}, 1060)[0]

	if got.Reject15m != 20 {
		t.Errorf("Reject15m = %d, want 20", got.Reject15m)
	}
	if got.Reject1h != 20 {
		t.Errorf("Reject1h = %d, want 20", got.Reject1h)
	}
	if got.AcceptCount != 60 {
		t.Errorf("AcceptCount = %d, want 60 (rejects must not affect accept_count)", got.AcceptCount)
	}
}

// expire() after the horizon elapses.
func TestScenario3Expire(t *testing.T) {
	agg := NewLiveAggregator()
	for ts := uint32(1000); ts <= 1059; ts++ {
		agg.ProcessShare(acceptShare(1, 5, ts, 1), 1060)
	}

	agg.Expire(1060 + 3700)

	key := share.Key{UserID: 1, WorkerHashID: 5}
	got := agg.GetWorkerStatusBatch([]share.Key{key}, 1060+3700)[0]
	if got.AcceptCount != 0 {
		t.Errorf("expired worker should yield a zero-valued status, got %+v", got)
	}
	if agg.Registry().TotalWorkers() != 0 {
		t.Errorf("TotalWorkers() = %d, want 0 after expire", agg.Registry().TotalWorkers())
	}
	if agg.Registry().UserWorkerCount(1) != 0 {
		t.Errorf("UserWorkerCount(1) = %d, want 0 after expire", agg.Registry().UserWorkerCount(1))
	}
}

func TestProcessShareSkipsOlderThanHorizon(t *testing.T) {
	agg := NewLiveAggregator()
	now := uint32(100000)

	// Boundary: exactly at the horizon is accepted.
	agg.ProcessShare(acceptShare(1, 1, now-Horizon, 1), now)
	// One second further back is rejected.
	agg.ProcessShare(acceptShare(1, 2, now-Horizon-1, 1), now)

	inHorizon := agg.GetWorkerStatusBatch([]share.Key{{UserID: 1, WorkerHashID: 1}}, now)[0]
	tooOld := agg.GetWorkerStatusBatch([]share.Key{{UserID: 1, WorkerHashID: 2}}, now)[0]

	if inHorizon.AcceptCount != 1 {
		t.Errorf("share at now-horizon should be accepted, AcceptCount = %d", inHorizon.AcceptCount)
	}
	if tooOld.AcceptCount != 0 {
		t.Errorf("share at now-horizon-1 should be rejected, AcceptCount = %d", tooOld.AcceptCount)
	}
}

func TestProcessShareUpdatesPoolAndUserAggregates(t *testing.T) {
	agg := NewLiveAggregator()
	now := uint32(2000)
	agg.ProcessShare(acceptShare(7, 1, now, 5), now)
	agg.ProcessShare(acceptShare(7, 2, now, 5), now)

	pool := agg.GetWorkerStatusBatch([]share.Key{share.PoolKey}, now)[0]
	if pool.AcceptCount != 2 {
		t.Errorf("pool AcceptCount = %d, want 2", pool.AcceptCount)
	}

	user := agg.GetWorkerStatusBatch([]share.Key{{UserID: 7}}, now)[0]
	if user.AcceptCount != 2 {
		t.Errorf("user AcceptCount = %d, want 2", user.AcceptCount)
	}
	if user.WorkerCount != 2 {
		t.Errorf("user WorkerCount = %d, want 2", user.WorkerCount)
	}
}

func TestEmptyKeysBatchReturnsEmptySlice(t *testing.T) {
	agg := NewLiveAggregator()
	got := agg.GetWorkerStatusBatch(nil, 1000)
	if len(got) != 0 {
		t.Errorf("GetWorkerStatusBatch(nil) = %v, want empty slice", got)
	}
}

func TestUnknownKeyYieldsZeroStatus(t *testing.T) {
	agg := NewLiveAggregator()
	got := agg.GetWorkerStatusBatch([]share.Key{{UserID: 99, WorkerHashID: 99}}, 1000)[0]
	if got != (WorkerStatus{}) {
		t.Errorf("unknown key status = %+v, want zero value", got)
	}
}

func TestMergeStatusesSumsAndTakesMaxTime(t *testing.T) {
	a := WorkerStatus{Accept1m: 10, AcceptCount: 10, LastShareTime: 100, LastShareIP: [4]byte{1, 1, 1, 1}}
	b := WorkerStatus{Accept1m: 5, AcceptCount: 5, LastShareTime: 200, LastShareIP: [4]byte{2, 2, 2, 2}}

	merged := MergeStatuses([]WorkerStatus{a, b})
	if merged.Accept1m != 15 || merged.AcceptCount != 15 {
		t.Errorf("merged numeric fields = %+v, want sums of 15", merged)
	}
	if merged.LastShareTime != 200 {
		t.Errorf("merged.LastShareTime = %d, want 200", merged.LastShareTime)
	}
	if merged.LastShareIP != [4]byte{2, 2, 2, 2} {
		t.Errorf("merged.LastShareIP = %v, want ip of input with max last_share_time", merged.LastShareIP)
	}
}

func TestRegistryInvariants(t *testing.T) {
	agg := NewLiveAggregator()
	now := uint32(5000)
	for u := int32(1); u <= 3; u++ {
		for w := int64(1); w <= 2; w++ {
			agg.ProcessShare(acceptShare(u, w, now, 1), now)
		}
	}

	r := agg.Registry()
	if r.TotalWorkers() != 6 {
		t.Fatalf("TotalWorkers() = %d, want 6", r.TotalWorkers())
	}
	var sum uint64
	for u := int32(1); u <= 3; u++ {
		sum += uint64(r.UserWorkerCount(u))
	}
	if sum != r.TotalWorkers() {
		t.Errorf("sum(user_worker_count) = %d, want %d (TotalWorkers)", sum, r.TotalWorkers())
	}
}

func TestOutOfOrderShareNeverRegressesLastShareTime(t *testing.T) {
	agg := NewLiveAggregator()
	now := uint32(10000)
	agg.ProcessShare(acceptShare(1, 1, 9990, 1), now)
	agg.ProcessShare(acceptShare(1, 1, 9980, 1), now) // arrives out of order, older

	got := agg.GetWorkerStatusBatch([]share.Key{{UserID: 1, WorkerHashID: 1}}, now)[0]
	if got.LastShareTime != 9990 {
		t.Errorf("LastShareTime = %d, want 9990 (must not regress on an out-of-order share)", got.LastShareTime)
	}
	if got.AcceptCount != 2 {
		t.Errorf("AcceptCount = %d, want 2 (out-of-order share still counts)", got.AcceptCount)
	}
}
