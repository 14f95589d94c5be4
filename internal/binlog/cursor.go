package binlog

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCursor = []byte("cursor")

const cursorKey = "replay_cursor"

// CursorStore persists the replayer's authoritative (day bucket, byte
// offset) pair across restarts. The cursor is never derived from a
// file-position indicator at recovery time: it is the last value this
// store successfully wrote.
type CursorStore struct {
	db *bolt.DB
}

// OpenCursorStore opens (creating if absent) a bbolt database at path.
func OpenCursorStore(path string) (*CursorStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("binlog: open cursor store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCursor)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("binlog: create cursor bucket: %w", err)
	}
	return &CursorStore{db: db}, nil
}

// Close releases the underlying bbolt database.
func (c *CursorStore) Close() error { return c.db.Close() }

// Save persists the replayer's current position.
func (c *CursorStore) Save(bucket, offset int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCursor)
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[0:8], uint64(bucket))
		binary.BigEndian.PutUint64(buf[8:16], uint64(offset))
		return b.Put([]byte(cursorKey), buf)
	})
}

// Load returns the last persisted position, if any.
func (c *CursorStore) Load() (bucket, offset int64, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCursor)
		data := b.Get([]byte(cursorKey))
		if len(data) < 16 {
			return nil
		}
		bucket = int64(binary.BigEndian.Uint64(data[0:8]))
		offset = int64(binary.BigEndian.Uint64(data[8:16]))
		ok = true
		return nil
	})
	return bucket, offset, ok, err
}
