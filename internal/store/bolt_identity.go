package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/identity"
)

// ---- index key helpers ----

func adminKeyHashIndexKey(hash string) []byte {
	return []byte("idx::hash::" + hash)
}

// CreateFirstAdmin atomically creates the initial admin, its key-hash
// index and the audit entry, only if no admin records exist. Returns
// identity.ErrAlreadyInitialized otherwise.
func (s *Store) CreateFirstAdmin(a identity.AdminIdentity, e audit.Entry) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal admin: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAdmins)

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				return identity.ErrAlreadyInitialized
			}
		}

		if err := b.Put([]byte(a.Name), data); err != nil {
			return err
		}
		if err := b.Put(adminKeyHashIndexKey(a.KeyHash), []byte(a.Name)); err != nil {
			return err
		}
		return appendAuditTx(tx, e)
	})
}

// CreateAdmin persists a new admin, its key-hash index and the audit
// entry atomically. Returns an error if the name is already taken.
func (s *Store) CreateAdmin(a identity.AdminIdentity, e audit.Entry) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal admin: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAdmins)

		if existing := b.Get([]byte(a.Name)); existing != nil {
			return fmt.Errorf("admin %q already exists", a.Name)
		}

		if err := b.Put([]byte(a.Name), data); err != nil {
			return err
		}
		if err := b.Put(adminKeyHashIndexKey(a.KeyHash), []byte(a.Name)); err != nil {
			return err
		}
		return appendAuditTx(tx, e)
	})
}

// GetAdminByKeyHash looks an admin up through the key-hash index.
func (s *Store) GetAdminByKeyHash(hash string) (identity.AdminIdentity, bool, error) {
	var admin identity.AdminIdentity
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAdmins)
		name := b.Get(adminKeyHashIndexKey(hash))
		if name == nil {
			return nil
		}
		data := b.Get(name)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &admin); err != nil {
			return fmt.Errorf("unmarshal admin %q: %w", name, err)
		}
		found = true
		return nil
	})
	return admin, found, err
}

// GetDevice returns the device record for id.
func (s *Store) GetDevice(id string) (identity.DeviceIdentity, bool, error) {
	var dev identity.DeviceIdentity
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &dev); err != nil {
			return fmt.Errorf("unmarshal device %q: %w", id, err)
		}
		found = true
		return nil
	})
	return dev, found, err
}

// SaveDevice creates or overwrites a device record together with its
// audit entry.
func (s *Store) SaveDevice(d identity.DeviceIdentity, e audit.Entry) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDevices).Put([]byte(d.ID), data); err != nil {
			return err
		}
		return appendAuditTx(tx, e)
	})
}

// ListDevices returns all device records sorted by id.
func (s *Store) ListDevices() ([]identity.DeviceIdentity, error) {
	var out []identity.DeviceIdentity

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var dev identity.DeviceIdentity
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("unmarshal device %q: %w", k, err)
			}
			out = append(out, dev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
