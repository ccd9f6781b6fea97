package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/edgemesh/fleetd/internal/liveness"
)

// SaveHeartbeat overwrites the single heartbeat record for a device.
func (s *Store) SaveHeartbeat(r liveness.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).Put([]byte(r.DeviceID), data)
	})
}

// ListHeartbeats returns the latest-known record for every device.
func (s *Store) ListHeartbeats() ([]liveness.Record, error) {
	var out []liveness.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).ForEach(func(k, v []byte) error {
			var rec liveness.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal heartbeat %q: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
