package sink

import (
	"fmt"
	"os"
	"strconv"

	"github.com/poolshare/aggregator/internal/util"
)

// writeLastFlushFile records the UNIX epoch of a successful flush at
// path, for an external watchdog to alert on a stalled pipeline. The
// write lands via a temp file plus rename so a concurrent reader never
// observes a partial write. A blank path disables the hook.
func writeLastFlushFile(path string, now uint32) {
	if path == "" {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(uint64(now), 10)), 0644); err != nil {
		util.Errorf("sink: write last_flush_file: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		util.Errorf("sink: rename last_flush_file into place: %v", fmt.Errorf("%s -> %s: %w", tmp, path, err))
	}
}
