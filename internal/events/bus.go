// Package events provides a fan-out pub/sub bus for fleet events, consumed
// by the admin SSE stream and the notification chain.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of fleet event.
type EventType string

const (
	EventDeviceRegistered EventType = "device_registered"
	EventDeviceRevoked    EventType = "device_revoked"
	EventDeviceOnline     EventType = "device_online"
	EventDeviceOffline    EventType = "device_offline"
	EventCommandQueued    EventType = "command_queued"
	EventCommandDelivered EventType = "command_delivered"
	EventCommandCompleted EventType = "command_completed"
	EventCommandFailed    EventType = "command_failed"
	EventCommandExpired   EventType = "command_expired"
	EventShellOpened      EventType = "shell_opened"
	EventShellClosed      EventType = "shell_closed"
)

// Event is a single fleet event published through the bus.
type Event struct {
	Type        EventType `json:"type"`
	DeviceID    string    `json:"device_id,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	CommandUUID string    `json:"command_uuid,omitempty"`
	CommandID   string    `json:"command_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. Slow subscribers that fall behind have
// events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
