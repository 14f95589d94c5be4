package binlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/poolshare/aggregator/internal/share"
)

func validShare(userID int32, ts uint32) share.Share {
	return share.Share{
		UserID:       userID,
		WorkerHashID: 5,
		IP:           [4]byte{127, 0, 0, 1},
		Timestamp:    ts,
		ShareWeight:  1,
		Score:        0.5,
		Result:       share.ResultAccept,
	}
}

// Shares at 1000, 90000, 100000 land in two
// day files with exact record counts.
func TestScenario4ShareSplitAcrossDayFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	w.AddShare(validShare(1, 1000))
	w.AddShare(validShare(1, 90000))
	w.AddShare(validShare(1, 100000))

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	day0 := filepath.Join(dir, "sharelog-1970-01-01.bin")
	day1 := filepath.Join(dir, "sharelog-1970-01-02.bin")

	info0, err := os.Stat(day0)
	if err != nil {
		t.Fatalf("stat %s: %v", day0, err)
	}
	if info0.Size() != share.RecordSize {
		t.Errorf("%s size = %d, want %d (1 record)", day0, info0.Size(), share.RecordSize)
	}

	info1, err := os.Stat(day1)
	if err != nil {
		t.Fatalf("stat %s: %v", day1, err)
	}
	if info1.Size() != 2*share.RecordSize {
		t.Errorf("%s size = %d, want %d (2 records)", day1, info1.Size(), 2*share.RecordSize)
	}
}

func TestWriterDropsMalformedShare(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	w.AddShare(share.Share{Timestamp: 0}) // invalid: zero timestamp
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no day files for an all-malformed batch, got %v", entries)
	}
}

func TestWriterEvictsOldestHandleBeyondCap(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	for day := int64(0); day < maxOpenHandles+2; day++ {
		ts := uint32(day * secondsPerDay)
		w.AddShare(validShare(1, ts))
		if err := w.flush(); err != nil {
			t.Fatalf("flush() error: %v", err)
		}
	}

	if len(w.handles) != maxOpenHandles {
		t.Errorf("open handles = %d, want %d", len(w.handles), maxOpenHandles)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}
