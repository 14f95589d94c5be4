// Package share defines the Share record — the unit of aggregation for
// the whole pipeline — and its fixed binary wire format.
package share

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
)

// Result is the pool's judgement of a submitted share.
type Result uint32

const (
	// ResultInvalid is the zero value; never written by a producer.
	ResultInvalid Result = 0
	// ResultAccept marks a share the pool credited.
	ResultAccept Result = 1
	// ResultReject marks a share the pool rejected.
	ResultReject Result = 2
)

func (r Result) String() string {
	switch r {
	case ResultAccept:
		return "ACCEPT"
	case ResultReject:
		return "REJECT"
	default:
		return "INVALID"
	}
}

// RecordSize is the exact byte length of one encoded Share:
// int32 + int64 + uint32 + uint32 + uint64 + float64 + uint32.
const RecordSize = 4 + 8 + 4 + 4 + 8 + 8 + 4

// Share is a fixed-size record describing one work unit submitted by a
// mining worker.
type Share struct {
	UserID       int32
	WorkerHashID int64 // 0 means "aggregated user row"
	IP           [4]byte // network-order (big-endian) IPv4 octets, verbatim
	Timestamp    uint32  // UNIX seconds
	ShareWeight  uint64  // difficulty-normalized credit
	Score        float64 // reward weight
	Result       Result
}

// Key returns the WorkerKey this share contributes to.
func (s *Share) Key() Key {
	return Key{UserID: s.UserID, WorkerHashID: s.WorkerHashID}
}

// IsValid reports whether the share satisfies the validity predicate:
// a known result, a nonzero timestamp, and positive weight.
func (s *Share) IsValid() bool {
	if s.Result != ResultAccept && s.Result != ResultReject {
		return false
	}
	if s.Timestamp == 0 {
		return false
	}
	if s.ShareWeight == 0 {
		return false
	}
	return true
}

// IPString renders the share's source IP in dotted-decimal form.
func (s *Share) IPString() string {
	return net.IP(s.IP[:]).String()
}

// String renders a share in the one-line form used by the sharelog
// inspection tool.
func (s *Share) String() string {
	return fmt.Sprintf("userId: %d, workerHashId: %d, ip: %s, timestamp: %d, shareWeight: %d, score: %f, result: %s",
		s.UserID, s.WorkerHashID, s.IPString(), s.Timestamp, s.ShareWeight, s.Score, s.Result)
}

// Encode writes the share's raw little-endian byte image into buf, which
// must be at least RecordSize bytes long. The ip field's four octets are
// copied verbatim (they already carry network byte order) rather than
// being re-encoded as an integer.
func (s *Share) Encode(buf []byte) {
	if len(buf) < RecordSize {
		panic("share: Encode buffer too small")
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.UserID))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(s.WorkerHashID))
	copy(buf[12:16], s.IP[:])
	binary.LittleEndian.PutUint32(buf[16:20], s.Timestamp)
	binary.LittleEndian.PutUint64(buf[20:28], s.ShareWeight)
	binary.LittleEndian.PutUint64(buf[28:36], math.Float64bits(s.Score))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(s.Result))
}

// Decode parses one RecordSize-length buffer into a Share. It returns an
// error only if buf is too short; it does not validate the decoded
// content — callers must call IsValid() themselves; malformed input is
// the caller's to log and drop.
func Decode(buf []byte) (Share, error) {
	var s Share
	if len(buf) < RecordSize {
		return s, fmt.Errorf("share: record too short: %d bytes, want %d", len(buf), RecordSize)
	}
	s.UserID = int32(binary.LittleEndian.Uint32(buf[0:4]))
	s.WorkerHashID = int64(binary.LittleEndian.Uint64(buf[4:12]))
	copy(s.IP[:], buf[12:16])
	s.Timestamp = binary.LittleEndian.Uint32(buf[16:20])
	s.ShareWeight = binary.LittleEndian.Uint64(buf[20:28])
	s.Score = math.Float64frombits(binary.LittleEndian.Uint64(buf[28:36]))
	s.Result = Result(binary.LittleEndian.Uint32(buf[36:40]))
	return s, nil
}

// Key identifies the aggregate a share's counters belong to:
// (user_id, worker_hash_id). worker_hash_id == 0 is the user-aggregate
// row; Key{0, 0} is the pool aggregate.
type Key struct {
	UserID       int32
	WorkerHashID int64
}

// IsUserAggregate reports whether this key addresses a user row rather
// than an individual worker.
func (k Key) IsUserAggregate() bool {
	return k.WorkerHashID == 0
}

// IsPoolAggregate reports whether this key is the pool-wide aggregate.
func (k Key) IsPoolAggregate() bool {
	return k.UserID == 0 && k.WorkerHashID == 0
}

// UserKey returns the user-aggregate key for this share's user.
func (s *Share) UserKey() Key {
	return Key{UserID: s.UserID}
}

// PoolKey is the fixed key of the pool-wide aggregate.
var PoolKey = Key{UserID: 0, WorkerHashID: 0}
