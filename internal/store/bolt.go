// Package store persists fleetd state in BoltDB. Values are JSON; indexes
// live in the same bucket under an idx:: prefix, following one key scheme
// per bucket.
package store

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAdmins        = []byte("admins")
	bucketDevices       = []byte("devices")
	bucketCommands      = []byte("commands")
	bucketResults       = []byte("results")
	bucketHeartbeats    = []byte("heartbeats")
	bucketAudit         = []byte("audit")
	bucketShellSessions = []byte("shell_sessions")
)

// timeKeyLayout formats timestamps for time-ordered keys. Nanoseconds are
// fixed-width, unlike RFC3339Nano, so lexicographic byte order equals
// chronological order even for sub-second timestamps.
const timeKeyLayout = "2006-01-02T15:04:05.000000000Z"

var indexPrefix = []byte("idx::")

func isIndexKey(k []byte) bool {
	return bytes.HasPrefix(k, indexPrefix)
}

// Store wraps a BoltDB database for fleetd persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAdmins, bucketDevices, bucketCommands, bucketResults, bucketHeartbeats, bucketAudit, bucketShellSessions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}
