// Package rollup replays the binary share log into per-day, per-hour
// accumulators and periodically merges them into SQL.
package rollup

import "sync"

const hoursPerDay = 24

// DayStats holds one calendar day's per-hour and day-total counters for
// one key (pool, user, or worker). dirtyHours is a
// 24-bit mask: bit i set means hour i has unflushed changes.
type DayStats struct {
	mu sync.Mutex

	AcceptByHour [hoursPerDay]uint64
	RejectByHour [hoursPerDay]uint64
	ScoreByHour  [hoursPerDay]float64

	AcceptDay uint64
	RejectDay uint64
	ScoreDay  float64

	DirtyHours uint32
}

// add folds one share's contribution into hour h, maintaining the
// invariant that summing each *ByHour array equals its *Day total.
func (d *DayStats) add(hour int, accepted bool, weight uint64, score float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if accepted {
		d.AcceptByHour[hour] += weight
		d.AcceptDay += weight
		d.ScoreByHour[hour] += score
		d.ScoreDay += score
	} else {
		d.RejectByHour[hour] += weight
		d.RejectDay += weight
	}
	d.DirtyHours |= 1 << uint(hour)
}

// DaySnapshot is an immutable copy of a DayStats' counters, safe to
// read after the source has moved on.
type DaySnapshot struct {
	AcceptByHour [hoursPerDay]uint64
	RejectByHour [hoursPerDay]uint64
	ScoreByHour  [hoursPerDay]float64
	AcceptDay    uint64
	RejectDay    uint64
	ScoreDay     float64
	DirtyHours   uint32
}

// snapshot copies the counters and dirty mask without clearing
// anything, so a failed flush loses no record of what still needs
// flushing.
func (d *DayStats) snapshot() DaySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DaySnapshot{
		AcceptByHour: d.AcceptByHour,
		RejectByHour: d.RejectByHour,
		ScoreByHour:  d.ScoreByHour,
		AcceptDay:    d.AcceptDay,
		RejectDay:    d.RejectDay,
		ScoreDay:     d.ScoreDay,
		DirtyHours:   d.DirtyHours,
	}
}

// clearDirty unsets exactly the bits present in mask, so hours that
// became dirty again after the snapshot was taken (a concurrent
// ProcessShare) are not lost.
func (d *DayStats) clearDirty(mask uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DirtyHours &^= mask
}

func (d *DayStats) isDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DirtyHours != 0
}
