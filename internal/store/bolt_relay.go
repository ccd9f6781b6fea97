package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/edgemesh/fleetd/internal/relay"
)

// SaveShellSession appends a finished shell session record. Session ids
// are never reused, so the timestamp+id key is unique.
func (s *Store) SaveShellSession(r relay.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal shell session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(r.ClosedAt.UTC().Format(timeKeyLayout) + "::" + r.SessionID)
		return tx.Bucket(bucketShellSessions).Put(key, data)
	})
}

// ListShellSessions returns up to limit finished sessions, newest first.
func (s *Store) ListShellSessions(limit int) ([]relay.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []relay.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketShellSessions).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec relay.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal shell session %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
