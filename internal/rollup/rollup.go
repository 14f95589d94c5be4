package rollup

import (
	"sync"

	"github.com/poolshare/aggregator/internal/share"
)

const secondsPerDay = 86400

// DayKey identifies one DayStats entry: a calendar day (UTC, bucketed
// the same way binlog day files are) crossed with a WorkerKey.
type DayKey struct {
	Day int64
	Key share.Key
}

func dayBucket(ts uint32) int64 {
	return int64(ts) - int64(ts)%secondsPerDay
}

func hourIndex(ts uint32) int {
	return int(ts%secondsPerDay) / 3600
}

// Aggregator maintains pool, user, and worker DayStats as the binlog
// replayer feeds it shares.
type Aggregator struct {
	blockReward float64

	mu    sync.RWMutex
	stats map[DayKey]*DayStats
}

// New returns an Aggregator that computes earn as score*blockReward.
func New(blockReward float64) *Aggregator {
	return &Aggregator{
		blockReward: blockReward,
		stats:       make(map[DayKey]*DayStats),
	}
}

// ProcessShare folds one share into the pool, user, and worker DayStats
// for its calendar day and hour. Keys that coincide are counted once: a
// user-0 share's user row is the pool row, and a worker_hash_id-0 share's
// worker row is its user row.
func (a *Aggregator) ProcessShare(s share.Share) {
	day := dayBucket(s.Timestamp)
	hour := hourIndex(s.Timestamp)
	accepted := s.Result == share.ResultAccept

	poolKey := DayKey{Day: day, Key: share.PoolKey}
	userKey := DayKey{Day: day, Key: share.Key{UserID: s.UserID}}
	workerKey := DayKey{Day: day, Key: s.Key()}

	a.getOrCreate(poolKey).add(hour, accepted, s.ShareWeight, s.Score)
	if userKey != poolKey {
		a.getOrCreate(userKey).add(hour, accepted, s.ShareWeight, s.Score)
	}
	if workerKey != userKey {
		a.getOrCreate(workerKey).add(hour, accepted, s.ShareWeight, s.Score)
	}
}

// getOrCreate follows the same insertion-under-write-lock-with-recheck
// shape as the registry package, to avoid two replay goroutines racing
// to create the same DayStats entry.
func (a *Aggregator) getOrCreate(key DayKey) *DayStats {
	a.mu.RLock()
	if d, ok := a.stats[key]; ok {
		a.mu.RUnlock()
		return d
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.stats[key]; ok {
		return d
	}
	d := &DayStats{}
	a.stats[key] = d
	return d
}

// DirtyEntries returns every tracked key whose DayStats has unflushed
// changes, for the flusher to snapshot.
func (a *Aggregator) DirtyEntries() []DayKey {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]DayKey, 0)
	for k, d := range a.stats {
		if d.isDirty() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Snapshot returns a dirty entry's current counters without clearing
// its dirty mask.
func (a *Aggregator) Snapshot(key DayKey) (DaySnapshot, bool) {
	a.mu.RLock()
	d, ok := a.stats[key]
	a.mu.RUnlock()
	if !ok {
		return DaySnapshot{}, false
	}
	return d.snapshot(), true
}

// ClearDirty unsets exactly the hour bits in mask for key, once the
// caller has durably committed a flush that covered them.
func (a *Aggregator) ClearDirty(key DayKey, mask uint32) {
	a.mu.RLock()
	d, ok := a.stats[key]
	a.mu.RUnlock()
	if ok {
		d.clearDirty(mask)
	}
}

// BlockReward returns the configured multiplicative constant used to
// compute earn = score * BlockReward.
func (a *Aggregator) BlockReward() float64 { return a.blockReward }

// Earn converts a score into a reward amount.
func (a *Aggregator) Earn(score float64) float64 { return score * a.blockReward }

// RejectRate computes reject/(accept+reject), or 0 if there were no
// rejects.
func RejectRate(accept, reject uint64) float64 {
	if reject == 0 {
		return 0
	}
	return float64(reject) / float64(accept+reject)
}
