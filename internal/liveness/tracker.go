// Package liveness tracks device heartbeats and derives online/offline
// status. One record per device, overwritten on each heartbeat.
package liveness

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgemesh/fleetd/internal/clock"
	"github.com/edgemesh/fleetd/internal/events"
	"github.com/edgemesh/fleetd/internal/identity"
)

// Record is the latest-known heartbeat for a device. Not a history: each
// heartbeat overwrites the previous record.
type Record struct {
	DeviceID   string            `json:"device_id"`
	LastSeen   time.Time         `json:"last_seen"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ClientStatus is the admin-facing view of one device.
type ClientStatus struct {
	DeviceID   string            `json:"device_id"`
	Online     bool              `json:"online"`
	Revoked    bool              `json:"revoked"`
	LastSeen   *time.Time        `json:"last_seen"` // nil when no heartbeat was ever received
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Store is the persistence the tracker needs.
type Store interface {
	SaveHeartbeat(r Record) error
	ListHeartbeats() ([]Record, error)
}

// Tracker holds heartbeat state in memory, persisted through Store so a
// restart does not lose last-seen times. Heartbeats for unrelated devices
// do not contend: the map lock is held only for the record swap.
type Tracker struct {
	store Store
	clk   clock.Clock
	bus   *events.Bus
	log   *slog.Logger

	mu      sync.RWMutex
	records map[string]Record
	wasUp   map[string]bool // last sweep's online view, for offline events
}

// NewTracker creates a Tracker. Call LoadFromStore before serving.
func NewTracker(store Store, clk clock.Clock, bus *events.Bus, log *slog.Logger) *Tracker {
	return &Tracker{
		store:   store,
		clk:     clk,
		bus:     bus,
		log:     log,
		records: make(map[string]Record),
		wasUp:   make(map[string]bool),
	}
}

// LoadFromStore hydrates heartbeat records from persistence.
func (t *Tracker) LoadFromStore() error {
	recs, err := t.store.ListHeartbeats()
	if err != nil {
		return fmt.Errorf("load heartbeats: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range recs {
		t.records[r.DeviceID] = r
	}
	t.log.Info("loaded heartbeat records", "count", len(recs))
	return nil
}

// Heartbeat overwrites the record for a device with now and the supplied
// attributes. Caller must have authenticated the device already.
func (t *Tracker) Heartbeat(deviceID string, attributes map[string]string) error {
	rec := Record{
		DeviceID:   deviceID,
		LastSeen:   t.clk.Now().UTC(),
		Attributes: attributes,
	}
	if err := t.store.SaveHeartbeat(rec); err != nil {
		return fmt.Errorf("persist heartbeat for %q: %w", deviceID, err)
	}

	t.mu.Lock()
	t.records[deviceID] = rec
	cameUp := !t.wasUp[deviceID]
	t.wasUp[deviceID] = true
	t.mu.Unlock()

	if cameUp {
		t.bus.Publish(events.Event{
			Type:      events.EventDeviceOnline,
			DeviceID:  deviceID,
			Timestamp: rec.LastSeen,
		})
	}
	return nil
}

// Online reports whether the device's last heartbeat is within timeout.
func (t *Tracker) Online(deviceID string, timeout time.Duration) bool {
	t.mu.RLock()
	rec, ok := t.records[deviceID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return t.clk.Now().Sub(rec.LastSeen) <= timeout
}

// ListClients joins the registered device set with heartbeat records.
// A device that never heartbeated reports offline with a nil LastSeen.
func (t *Tracker) ListClients(devices []identity.DeviceIdentity, timeout time.Duration) []ClientStatus {
	now := t.clk.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ClientStatus, 0, len(devices))
	for _, d := range devices {
		cs := ClientStatus{DeviceID: d.ID, Revoked: d.Revoked}
		if rec, ok := t.records[d.ID]; ok {
			seen := rec.LastSeen
			cs.LastSeen = &seen
			cs.Attributes = rec.Attributes
			cs.Online = !d.Revoked && now.Sub(seen) <= timeout
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// SweepOffline publishes offline events for devices whose heartbeat aged
// past timeout since the previous sweep. Runs on a schedule; never returns
// errors to a caller because none is waiting.
func (t *Tracker) SweepOffline(timeout time.Duration) {
	now := t.clk.Now()
	var wentDown []string

	t.mu.Lock()
	for id, rec := range t.records {
		up := now.Sub(rec.LastSeen) <= timeout
		if !up && t.wasUp[id] {
			wentDown = append(wentDown, id)
		}
		t.wasUp[id] = up
	}
	t.mu.Unlock()

	for _, id := range wentDown {
		t.log.Warn("device went offline", "device", id)
		t.bus.Publish(events.Event{
			Type:      events.EventDeviceOffline,
			DeviceID:  id,
			Timestamp: now.UTC(),
		})
	}
}

// Forget drops in-memory state for a device (revocation path). The
// persisted record stays for the audit trail of last contact.
func (t *Tracker) Forget(deviceID string) {
	t.mu.Lock()
	delete(t.records, deviceID)
	delete(t.wasUp, deviceID)
	t.mu.Unlock()
}
