package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/edgemesh/fleetd/internal/audit"
)

// AppendAuditEntry persists one audit entry. Keys combine the timestamp
// with a bucket sequence so same-instant entries never collide and a
// cursor walk is chronological.
func (s *Store) AppendAuditEntry(e audit.Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendAuditTx(tx, e)
	})
}

// appendAuditTx writes an audit entry inside an existing transaction, for
// mutations that must commit together with their audit record.
func appendAuditTx(tx *bolt.Tx, e audit.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	b := tx.Bucket(bucketAudit)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s::%016x", e.Timestamp.UTC().Format(timeKeyLayout), seq))
	return b.Put(key, data)
}

// QueryAuditEntries returns up to limit entries matching the filter,
// newest first.
func (s *Store) QueryAuditEntries(f audit.Filter, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []audit.Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e audit.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal audit entry %q: %w", k, err)
			}
			if f.Matches(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}
