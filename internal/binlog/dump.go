package binlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/poolshare/aggregator/internal/share"
)

// Dump reads a single day's sharelog file straight off disk, in
// bulkChunkShares-record chunks, and writes one line per matching share
// to w. userIDs, if non-empty, restricts the output to those users;
// an empty set dumps every share in the file. It returns the number of
// shares written. The target file is opened read-only and is never
// mutated, so Dump is safe to run against a day that is still being
// appended to.
func Dump(dataDir string, bucket int64, userIDs map[int32]bool, w io.Writer) (int, error) {
	path := filepath.Join(dataDir, FileName(bucket))
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("binlog: open dump target: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(w)
	defer bw.Flush()

	raw := make([]byte, bulkChunkShares*share.RecordSize)
	written := 0
	var offset int64
	for {
		n, err := f.ReadAt(raw, offset)
		if err != nil && err != io.EOF {
			return written, fmt.Errorf("binlog: read dump target: %w", err)
		}
		usable := n - (n % share.RecordSize)
		for i := 0; i < usable; i += share.RecordSize {
			s, decErr := share.Decode(raw[i : i+share.RecordSize])
			if decErr != nil {
				continue
			}
			if len(userIDs) > 0 && !userIDs[s.UserID] {
				continue
			}
			fmt.Fprintln(bw, s.String())
			written++
		}
		offset += int64(usable)
		if n < len(raw) {
			return written, nil
		}
	}
}
