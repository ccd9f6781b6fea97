// Package notify pushes fleet events to external channels so operators
// learn about offline devices, failed commands and shell activity without
// polling the API.
package notify

import (
	"context"
	"sync"

	"github.com/edgemesh/fleetd/internal/events"
)

// Notifier sends fleet events to an external system.
type Notifier interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging
// package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// notifiable lists the event types worth pushing externally. Routine
// delivery chatter stays on the bus only.
var notifiable = map[events.EventType]bool{
	events.EventDeviceOffline:  true,
	events.EventDeviceRevoked:  true,
	events.EventCommandFailed:  true,
	events.EventCommandExpired: true,
	events.EventShellOpened:    true,
	events.EventShellClosed:    true,
}

// Multi fans out events to multiple notifiers.
// Errors are logged but never propagated -- notifications must not block
// the protocol operations that triggered them.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event events.Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"device", event.DeviceID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Run subscribes to the bus and forwards notifiable events until ctx is
// cancelled. Meant to run in its own goroutine.
func (m *Multi) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if notifiable[evt.Type] {
				m.Notify(ctx, evt)
			}
		}
	}
}
