package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/edgemesh/fleetd/internal/queue"
)

// Result index keys order results chronologically so newest-first listing
// is a reverse cursor walk. Key format: "idx::ts::{timeKeyLayout}::{uuid}".
func resultTimeIndexKey(t time.Time, commandUUID string) []byte {
	return []byte("idx::ts::" + t.UTC().Format(timeKeyLayout) + "::" + commandUUID)
}

// SaveCommand creates or overwrites a command record, keyed by UUID.
// Called on every state transition.
func (s *Store) SaveCommand(c queue.Command) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).Put([]byte(c.UUID), data)
	})
}

// GetCommand returns the command record for a UUID.
func (s *Store) GetCommand(commandUUID string) (queue.Command, bool, error) {
	var cmd queue.Command
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommands).Get([]byte(commandUUID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("unmarshal command %q: %w", commandUUID, err)
		}
		found = true
		return nil
	})
	return cmd, found, err
}

// ListOpenCommands returns every command still in queued or delivered
// state, for queue hydration on startup.
func (s *Store) ListOpenCommands() ([]queue.Command, error) {
	var out []queue.Command

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).ForEach(func(k, v []byte) error {
			var cmd queue.Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				return fmt.Errorf("unmarshal command %q: %w", k, err)
			}
			if cmd.Status == queue.StatusQueued || cmd.Status == queue.StatusDelivered {
				out = append(out, cmd)
			}
			return nil
		})
	})
	return out, err
}

// SaveResult persists a result and its time index atomically. Results are
// immutable: a second write for the same UUID is refused.
func (s *Store) SaveResult(r queue.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		if existing := b.Get([]byte(r.CommandUUID)); existing != nil {
			return fmt.Errorf("result for %s already stored", r.CommandUUID)
		}
		if err := b.Put([]byte(r.CommandUUID), data); err != nil {
			return err
		}
		return b.Put(resultTimeIndexKey(r.CompletedAt, r.CommandUUID), []byte(r.CommandUUID))
	})
}

// GetResult returns the stored result for a command UUID.
func (s *Store) GetResult(commandUUID string) (queue.Result, bool, error) {
	var res queue.Result
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResults).Get([]byte(commandUUID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("unmarshal result %q: %w", commandUUID, err)
		}
		found = true
		return nil
	})
	return res, found, err
}

// ListResults returns up to limit results, newest first, optionally
// filtered by device id (empty = all devices).
func (s *Store) ListResults(deviceID string, limit int) ([]queue.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []queue.Result

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		c := b.Cursor()

		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			if !isIndexKey(k) {
				continue
			}
			data := b.Get(v)
			if data == nil {
				continue
			}
			var res queue.Result
			if err := json.Unmarshal(data, &res); err != nil {
				return fmt.Errorf("unmarshal result %q: %w", v, err)
			}
			if deviceID != "" && res.DeviceID != deviceID {
				continue
			}
			out = append(out, res)
		}
		return nil
	})
	return out, err
}
