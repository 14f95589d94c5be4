package registry

import (
	"sync"

	"github.com/poolshare/aggregator/internal/share"
)

// Horizon is the maximum window any SlidingCounter in this package
// supports, and the staleness threshold used by Expire.
const Horizon = 3600 // 1 hour, in seconds

const (
	acceptGranularity = 1  // per-second buckets
	rejectGranularity = 60 // per-minute buckets
)

// WorkerStatus is an immutable snapshot of one aggregate's counters.
type WorkerStatus struct {
	Accept1m      uint64
	Accept5m      uint64
	Accept15m     uint64
	Accept1h      uint64
	Reject15m     uint64
	Reject1h      uint64
	AcceptCount   uint64
	LastShareIP   [4]byte
	LastShareTime uint32
	// WorkerCount is populated only for user-aggregate rows, from the
	// Registry's user_worker_count index.
	WorkerCount uint32
}

// WorkerShares is the per-key aggregate: a
// monotonic accept count, the identity of the most recent share, and
// two sliding-window counters. All access is serialized through mu so
// that get_status is atomic with respect to concurrent updates.
type WorkerShares struct {
	mu sync.Mutex

	acceptCount   uint64
	lastShareIP   [4]byte
	lastShareTime uint32

	acceptBySecond *SlidingCounter
	rejectByMinute *SlidingCounter
}

// NewWorkerShares allocates an aggregate with fresh sliding counters.
func NewWorkerShares() *WorkerShares {
	return &WorkerShares{
		acceptBySecond: NewSlidingCounter(acceptGranularity, Horizon),
		rejectByMinute: NewSlidingCounter(rejectGranularity, Horizon),
	}
}

// update folds one share into the aggregate. last_share_ip and
// last_share_time only move forward: timestamps are not
// assumed monotone upstream, so an out-of-order share still contributes
// to the counters but never regresses the "most recent share" fields.
func (w *WorkerShares) update(s *share.Share) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if s.Timestamp >= w.lastShareTime {
		w.lastShareTime = s.Timestamp
		w.lastShareIP = s.IP
	}

	switch s.Result {
	case share.ResultAccept:
		w.acceptCount++
		w.acceptBySecond.Insert(int64(s.Timestamp), s.ShareWeight)
	case share.ResultReject:
		w.rejectByMinute.Insert(int64(s.Timestamp), s.ShareWeight)
	}
}

// status snapshots the aggregate as of now (UNIX seconds). The sliding
// windows end at the earlier of now and last_share_time, so snapshots
// taken with no new share in between report the same sums.
func (w *WorkerShares) status(now uint32) WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := int64(now)
	if last := int64(w.lastShareTime); last < n {
		n = last
	}
	return WorkerStatus{
		Accept1m:      w.acceptBySecond.Sum(n, 60),
		Accept5m:      w.acceptBySecond.Sum(n, 300),
		Accept15m:     w.acceptBySecond.Sum(n, 900),
		Accept1h:      w.acceptBySecond.Sum(n, 3600),
		Reject15m:     w.rejectByMinute.Sum(n, 900),
		Reject1h:      w.rejectByMinute.Sum(n, 3600),
		AcceptCount:   w.acceptCount,
		LastShareIP:   w.lastShareIP,
		LastShareTime: w.lastShareTime,
	}
}

// lastSeen returns last_share_time without taking a snapshot of the
// counters, for use by Expire's staleness check.
func (w *WorkerShares) lastSeen() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastShareTime
}

// MergeStatuses performs a component-wise sum:
// numeric fields add, last_share_time takes the maximum, and
// last_share_ip is carried from whichever input has that maximum.
func MergeStatuses(statuses []WorkerStatus) WorkerStatus {
	var out WorkerStatus
	for _, s := range statuses {
		out.Accept1m += s.Accept1m
		out.Accept5m += s.Accept5m
		out.Accept15m += s.Accept15m
		out.Accept1h += s.Accept1h
		out.Reject15m += s.Reject15m
		out.Reject1h += s.Reject1h
		out.AcceptCount += s.AcceptCount
		out.WorkerCount += s.WorkerCount
		if s.LastShareTime >= out.LastShareTime {
			out.LastShareTime = s.LastShareTime
			out.LastShareIP = s.LastShareIP
		}
	}
	return out
}
