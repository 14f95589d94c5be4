package binlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/util"
)

// bulkChunkShares bounds a single read in both replay modes to roughly
// 2 million shares.
const bulkChunkShares = 2_000_000

// Handler receives one replayed share.
type Handler func(s share.Share)

// Replayer owns one open handle to a day's sharelog file plus the
// authoritative byte cursor into it. It supports a bulk mode (drain an
// already-closed day to EOF) and a growing mode (tail the current
// day's file as it is appended to).
type Replayer struct {
	dataDir string
	cursors *CursorStore

	file   *os.File
	bucket int64
	offset int64
}

// NewReplayer opens a Replayer rooted at dataDir, resuming from the
// cursor store if a prior position was persisted there, otherwise
// starting at startBucket, offset 0.
func NewReplayer(dataDir string, cursors *CursorStore, startBucket int64) (*Replayer, error) {
	r := &Replayer{dataDir: dataDir, cursors: cursors}

	bucket, offset := startBucket, int64(0)
	if cursors != nil {
		b, o, ok, err := cursors.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			bucket, offset = b, o
		}
	}
	if err := r.openBucket(bucket, offset); err != nil {
		return nil, err
	}
	return r, nil
}

// Bucket returns the day bucket currently being replayed.
func (r *Replayer) Bucket() int64 { return r.bucket }

// Offset returns the current byte cursor into that day's file.
func (r *Replayer) Offset() int64 { return r.offset }

// Close releases the open file handle.
func (r *Replayer) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// openBucket switches the Replayer onto a (possibly nonexistent) day
// file, creating an empty one if missing: a replay target that hasn't
// been written yet auto-creates and continues rather than erroring.
func (r *Replayer) openBucket(bucket, offset int64) error {
	if r.file != nil {
		r.file.Close()
	}
	path := filepath.Join(r.dataDir, FileName(bucket))
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("binlog: open replay target: %w", err)
	}
	r.file = f
	r.bucket = bucket
	r.offset = offset
	return nil
}

// readChunk reads up to maxRecords shares starting at the tracked
// cursor, decodes whichever whole records it got, and advances the
// cursor by exactly that many bytes — never by what a file-position
// indicator reports. leftover reports how many trailing bytes past the
// last whole record were read but not consumed; a grow-mode tail
// tolerates a nonzero leftover (the writer may still be mid-append),
// while a bulk read of a file that will never grow again must not.
func (r *Replayer) readChunk(maxRecords int) (shares []share.Share, leftover int, err error) {
	raw := make([]byte, maxRecords*share.RecordSize)
	n, err := r.file.ReadAt(raw, r.offset)
	if err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("binlog: read replay target: %w", err)
	}

	usable := n - (n % share.RecordSize)
	shares = make([]share.Share, 0, usable/share.RecordSize)
	for i := 0; i < usable; i += share.RecordSize {
		s, decErr := share.Decode(raw[i : i+share.RecordSize])
		if decErr != nil {
			util.Warnf("binlog: dropping malformed record during replay: %v", decErr)
			continue
		}
		shares = append(shares, s)
	}

	r.offset += int64(usable)
	if r.cursors != nil {
		if saveErr := r.cursors.Save(r.bucket, r.offset); saveErr != nil {
			util.Errorf("binlog: persist replay cursor: %v", saveErr)
		}
	}
	return shares, n - usable, nil
}

// Bulk drains the current day's file to EOF, in chunks of up to
// bulkChunkShares records, invoking handler for each share in order.
// It returns the number of shares replayed. The file must not grow
// once Bulk starts: a trailing partial record at EOF means the file is
// truncated or corrupted at rest, and Bulk rejects it rather than
// silently dropping the tail.
func (r *Replayer) Bulk(handler Handler) (int, error) {
	total := 0
	for {
		chunk, leftover, err := r.readChunk(bulkChunkShares)
		if err != nil {
			return total, err
		}
		for _, s := range chunk {
			handler(s)
		}
		total += len(chunk)
		if len(chunk) < bulkChunkShares {
			if leftover != 0 {
				return total, fmt.Errorf("binlog: %s has a trailing %d-byte partial record at offset %d", FileName(r.bucket), leftover, r.offset)
			}
			return total, nil
		}
	}
}

// Tick performs one growing-mode read: whatever is available past the
// cursor, up to one chunk. A zero return means no new data, not an
// error. Unlike Bulk, a trailing partial record is tolerated: the
// writer may still be mid-append, and the next tick will pick up the
// rest once it lands.
func (r *Replayer) Tick(handler Handler) (int, error) {
	chunk, _, err := r.readChunk(bulkChunkShares)
	if err != nil {
		return 0, err
	}
	for _, s := range chunk {
		handler(s)
	}
	return len(chunk), nil
}

// Backlog reports how many bytes past the cursor remain unread in the
// current day file.
func (r *Replayer) Backlog() (int64, error) {
	info, err := r.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("binlog: stat replay target: %w", err)
	}
	return info.Size() - r.offset, nil
}

// CheckRotate reports whether the replayer should switch onto the next
// day's file, by a three-part policy: UTC midnight is at
// least 5 seconds past, the current file is fully drained, and the new
// day's file exists.
func (r *Replayer) CheckRotate(now time.Time) bool {
	nextDayStart := r.bucket + secondsPerDay
	if now.Unix() < nextDayStart+5 {
		return false
	}

	info, err := r.file.Stat()
	if err != nil {
		util.Errorf("binlog: stat replay target: %v", err)
		return false
	}
	if r.offset != info.Size() {
		return false
	}

	newPath := filepath.Join(r.dataDir, FileName(nextDayStart))
	if _, err := os.Stat(newPath); err != nil {
		return false
	}
	return true
}

// Rotate switches onto the next day's file at offset 0.
func (r *Replayer) Rotate() error {
	next := r.bucket + secondsPerDay
	if err := r.openBucket(next, 0); err != nil {
		return err
	}
	if r.cursors != nil {
		return r.cursors.Save(r.bucket, r.offset)
	}
	return nil
}
