// Package registry holds the share-aggregation core: the sliding-window
// counters, the concurrent worker/user index, and the LiveAggregator
// that ties them together.
package registry

import (
	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/util"
)

// LiveAggregator consumes a share stream and maintains a Registry so
// that any moment a reader can obtain a WorkerStatus for any active
// key.
type LiveAggregator struct {
	registry *Registry
}

// NewLiveAggregator returns a LiveAggregator backed by a fresh Registry.
func NewLiveAggregator() *LiveAggregator {
	return &LiveAggregator{registry: New()}
}

// Registry exposes the underlying index, for flushers and the status
// API to read from.
func (a *LiveAggregator) Registry() *Registry { return a.registry }

// ProcessShare folds one share into the pool, worker, and user
// aggregates. Shares older than the horizon are silently skipped;
// malformed shares are the caller's responsibility to filter via
// share.IsValid before calling this.
func (a *LiveAggregator) ProcessShare(s *share.Share, now uint32) {
	age := int64(now) - int64(s.Timestamp)
	if age > int64(Horizon) {
		return
	}

	pool := a.registry.getOrCreateUser(0)
	user := a.registry.getOrCreateUser(s.UserID)
	worker := a.registry.getOrCreateWorker(s.Key())

	pool.update(s)
	if user != pool {
		user.update(s)
	}
	worker.update(s)
}

// GetWorkerStatusBatch resolves each key to a snapshot. An empty keys
// slice returns an empty slice, not an error.
func (a *LiveAggregator) GetWorkerStatusBatch(keys []share.Key, now uint32) []WorkerStatus {
	out := make([]WorkerStatus, len(keys))
	for i, k := range keys {
		out[i] = a.registry.status(k, now)
	}
	return out
}

// Expire removes every aggregate whose last share predates the horizon.
func (a *LiveAggregator) Expire(now uint32) {
	before := a.registry.TotalWorkers()
	a.registry.Expire(now)
	after := a.registry.TotalWorkers()
	if before != after {
		util.Debugf("registry: expired %d stale worker aggregates", before-after)
	}
}
