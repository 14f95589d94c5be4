package registry

import "testing"

func TestSlidingCounterSumsWithinWindow(t *testing.T) {
	c := NewSlidingCounter(1, 3600)
	for ts := int64(1000); ts <= 1059; ts++ {
		c.Insert(ts, 1)
	}
	if got := c.Sum(1060, 60); got != 60 {
		t.Errorf("Sum(1060, 60) = %d, want 60", got)
	}
	if got := c.Sum(1060, 3600); got != 60 {
		t.Errorf("Sum(1060, 3600) = %d, want 60", got)
	}
}

func TestSlidingCounterSameSlotAccumulates(t *testing.T) {
	c := NewSlidingCounter(60, 3600)
	c.Insert(1055, 10)
	c.Insert(1057, 10)
	if got := c.Sum(1060, 900); got != 20 {
		t.Errorf("Sum(1060, 900) = %d, want 20 (same-minute slot should accumulate)", got)
	}
}

func TestSlidingCounterStaleEviction(t *testing.T) {
	c := NewSlidingCounter(1, 10)
	c.Insert(100, 5)
	// Re-insert at a timestamp mapping to the same ring index but a
	// different slot key: the old value must be evicted, not summed.
	c.Insert(110, 7)
	if got := c.Sum(110, 10); got != 7 {
		t.Errorf("Sum after wraparound = %d, want 7 (stale bucket should have been evicted)", got)
	}
}

func TestSlidingCounterAdditiveAcrossShards(t *testing.T) {
	whole := NewSlidingCounter(1, 3600)
	even := NewSlidingCounter(1, 3600)
	odd := NewSlidingCounter(1, 3600)

	for ts := int64(1000); ts < 1100; ts++ {
		whole.Insert(ts, uint64(ts-999))
		if ts%2 == 0 {
			even.Insert(ts, uint64(ts-999))
		} else {
			odd.Insert(ts, uint64(ts-999))
		}
	}

	got := even.Sum(1100, 200) + odd.Sum(1100, 200)
	want := whole.Sum(1100, 200)
	if got != want {
		t.Errorf("sharded sum = %d, want %d (sliding counters should be additive across shards)", got, want)
	}
}

func TestSlidingCounterEmpty(t *testing.T) {
	c := NewSlidingCounter(1, 3600)
	if got := c.Sum(1000, 60); got != 0 {
		t.Errorf("Sum() on empty counter = %d, want 0", got)
	}
}
