// Package binlog appends valid shares to a per-UTC-day binary file and
// replays those files back into the rollup pipeline.
package binlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/util"
)

const (
	maxOpenHandles = 3
	flushInterval  = 2 * time.Second
	secondsPerDay  = 86400
)

// DayBucket returns the UTC day-start timestamp a share's timestamp
// falls in: timestamp - (timestamp mod 86400).
func DayBucket(ts uint32) int64 {
	return int64(ts) - int64(ts)%secondsPerDay
}

// FileName returns the sharelog filename for a day bucket.
func FileName(bucket int64) string {
	return fmt.Sprintf("sharelog-%s.bin", time.Unix(bucket, 0).UTC().Format("2006-01-02"))
}

// Writer appends every valid share, in the order it is handed in, to
// the day file its timestamp belongs to. Shares are buffered in memory
// and flushed on a ticker, matching the buffered-write-on-a-ticker
// shape of a BatchWriter: accumulate under a mutex, take ownership of
// the buffer, write without holding the lock.
type Writer struct {
	dataDir string

	bufMu sync.Mutex
	buf   []share.Share

	handleMu sync.Mutex
	handles  map[int64]*os.File

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWriter returns a Writer rooted at dataDir. The directory must
// already exist.
func NewWriter(dataDir string) *Writer {
	return &Writer{
		dataDir: dataDir,
		handles: make(map[int64]*os.File),
		done:    make(chan struct{}),
	}
}

// Start launches the background flush ticker.
func (w *Writer) Start() {
	w.ticker = time.NewTicker(flushInterval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.ticker.C:
				if err := w.flush(); err != nil {
					util.Errorf("binlog: periodic flush error: %v", err)
				}
			case <-w.done:
				return
			}
		}
	}()
}

// Stop halts the ticker, performs a final flush so no buffered share is
// lost, and closes every open day-file handle.
func (w *Writer) Stop() error {
	close(w.done)
	if w.ticker != nil {
		w.ticker.Stop()
	}
	w.wg.Wait()

	if err := w.flush(); err != nil {
		return err
	}

	w.handleMu.Lock()
	defer w.handleMu.Unlock()
	for bucket, f := range w.handles {
		f.Close()
		delete(w.handles, bucket)
	}
	return nil
}

// Buffered reports how many shares are held in memory awaiting the
// next periodic flush.
func (w *Writer) Buffered() int {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	return len(w.buf)
}

// AddShare buffers s for the next flush. A share that fails IsValid is
// dropped and logged rather than written.
func (w *Writer) AddShare(s share.Share) {
	if !s.IsValid() {
		util.Warnf("binlog: dropping malformed share (user=%d worker=%d result=%s)", s.UserID, s.WorkerHashID, s.Result)
		return
	}
	w.bufMu.Lock()
	w.buf = append(w.buf, s)
	w.bufMu.Unlock()
}

// fileFor returns the open handle for a day bucket, opening it on
// first use and evicting the oldest cached handle once more than
// maxOpenHandles are open.
func (w *Writer) fileFor(bucket int64) (*os.File, error) {
	w.handleMu.Lock()
	defer w.handleMu.Unlock()

	if f, ok := w.handles[bucket]; ok {
		return f, nil
	}

	path := filepath.Join(w.dataDir, FileName(bucket))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w.handles[bucket] = f

	if len(w.handles) > maxOpenHandles {
		oldest, first := int64(0), true
		for k := range w.handles {
			if first || k < oldest {
				oldest, first = k, false
			}
		}
		if old, ok := w.handles[oldest]; ok && oldest != bucket {
			old.Close()
			delete(w.handles, oldest)
		}
	}
	return f, nil
}

func (w *Writer) flush() error {
	w.bufMu.Lock()
	if len(w.buf) == 0 {
		w.bufMu.Unlock()
		return nil
	}
	toFlush := w.buf
	w.buf = nil
	w.bufMu.Unlock()

	touched := make(map[int64]*os.File)
	rec := make([]byte, share.RecordSize)
	for i := range toFlush {
		s := toFlush[i]
		bucket := DayBucket(s.Timestamp)
		f, err := w.fileFor(bucket)
		if err != nil {
			return fmt.Errorf("binlog: open day file: %w", err)
		}
		s.Encode(rec)
		if _, err := f.Write(rec); err != nil {
			return fmt.Errorf("binlog: write share: %w", err)
		}
		touched[bucket] = f
	}
	for _, f := range touched {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("binlog: fsync: %w", err)
		}
	}
	return nil
}
