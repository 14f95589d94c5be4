package registry

import (
	"sync"

	"github.com/poolshare/aggregator/internal/share"
)

// Registry is the concurrent read-mostly index of workers and users.
// The pool aggregate is stored as user 0 in the users map, since a
// (user_id=0, worker_hash_id=0) key is, by the same key scheme, just
// the user-aggregate key for user 0.
//
// Lookups take the read lock; inserting a never-before-seen key
// upgrades to the write lock and re-checks the map, so two goroutines
// racing to create the same key never both win.
type Registry struct {
	mu sync.RWMutex

	workers map[share.Key]*WorkerShares
	users   map[int32]*WorkerShares

	userWorkerCount map[int32]uint32
	totalWorkers    uint64
	totalUsers      uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		workers:         make(map[share.Key]*WorkerShares),
		users:           make(map[int32]*WorkerShares),
		userWorkerCount: make(map[int32]uint32),
	}
}

// TotalWorkers returns the number of tracked worker aggregates.
func (r *Registry) TotalWorkers() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalWorkers
}

// TotalUsers returns the number of tracked user aggregates (including
// the pool aggregate stored as user 0).
func (r *Registry) TotalUsers() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalUsers
}

// UserWorkerCount returns the number of workers tracked for userID.
func (r *Registry) UserWorkerCount(userID int32) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userWorkerCount[userID]
}

func (r *Registry) getOrCreateWorker(key share.Key) *WorkerShares {
	r.mu.RLock()
	if ws, ok := r.workers[key]; ok {
		r.mu.RUnlock()
		return ws
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.workers[key]; ok {
		return ws
	}
	ws := NewWorkerShares()
	r.workers[key] = ws
	r.totalWorkers++
	r.userWorkerCount[key.UserID]++
	return ws
}

func (r *Registry) getOrCreateUser(userID int32) *WorkerShares {
	r.mu.RLock()
	if ws, ok := r.users[userID]; ok {
		r.mu.RUnlock()
		return ws
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.users[userID]; ok {
		return ws
	}
	ws := NewWorkerShares()
	r.users[userID] = ws
	r.totalUsers++
	return ws
}

// status resolves a key to a snapshot; worker_hash_id == 0 is resolved
// against users, otherwise against workers. An unknown key yields a
// zero-valued status rather than an error.
func (r *Registry) status(key share.Key, now uint32) WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if key.IsUserAggregate() {
		ws, ok := r.users[key.UserID]
		if !ok {
			return WorkerStatus{}
		}
		st := ws.status(now)
		st.WorkerCount = r.userWorkerCount[key.UserID]
		return st
	}
	ws, ok := r.workers[key]
	if !ok {
		return WorkerStatus{}
	}
	return ws.status(now)
}

// Expire removes every aggregate whose last_share_time + horizon < now.
// The worker map's decrement-and-erase of userWorkerCount happens under
// the same write lock that deletes the worker entry.
func (r *Registry) Expire(now uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, ws := range r.workers {
		if !stale(ws, now) {
			continue
		}
		delete(r.workers, key)
		r.totalWorkers--
		if c := r.userWorkerCount[key.UserID]; c <= 1 {
			delete(r.userWorkerCount, key.UserID)
		} else {
			r.userWorkerCount[key.UserID] = c - 1
		}
	}

	for userID, ws := range r.users {
		if !stale(ws, now) {
			continue
		}
		delete(r.users, userID)
		r.totalUsers--
	}
}

func stale(ws *WorkerShares, now uint32) bool {
	return int64(ws.lastSeen())+int64(Horizon) < int64(now)
}

// workerKeysLocked returns a slice of every worker key currently
// tracked, in map iteration order (not stable across calls), for
// flushers that shard by ordinal position. The caller must hold (at
// least) the read lock.
func (r *Registry) workerKeysLocked() []share.Key {
	keys := make([]share.Key, 0, len(r.workers))
	for k := range r.workers {
		keys = append(keys, k)
	}
	return keys
}

// userIDsLocked returns every tracked user id, including the pool's (0).
// The caller must hold (at least) the read lock.
func (r *Registry) userIDsLocked() []int32 {
	ids := make([]int32, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids
}

// RLock and RUnlock expose the Registry's read lock to fan-out
// flushers, which must hold it for the duration of a shard's iteration.
func (r *Registry) RLock()   { r.mu.RLock() }
func (r *Registry) RUnlock() { r.mu.RUnlock() }

// WorkerEntries returns the worker map's keys under the read lock the
// caller already holds. Callers must hold RLock for the duration of use.
func (r *Registry) WorkerEntries() []share.Key { return r.workerKeysLocked() }

// UserEntries returns the users map's keys under the read lock the
// caller already holds. Callers must hold RLock for the duration of use.
func (r *Registry) UserEntries() []int32 { return r.userIDsLocked() }

// WorkerStatusLocked reads one worker's status without re-acquiring the
// Registry lock; the caller must already hold RLock.
func (r *Registry) WorkerStatusLocked(key share.Key, now uint32) (WorkerStatus, bool) {
	ws, ok := r.workers[key]
	if !ok {
		return WorkerStatus{}, false
	}
	return ws.status(now), true
}

// UserStatusLocked reads one user's status (including worker_count)
// without re-acquiring the Registry lock; the caller must already hold
// RLock.
func (r *Registry) UserStatusLocked(userID int32, now uint32) (WorkerStatus, bool) {
	ws, ok := r.users[userID]
	if !ok {
		return WorkerStatus{}, false
	}
	st := ws.status(now)
	st.WorkerCount = r.userWorkerCount[userID]
	return st, true
}
