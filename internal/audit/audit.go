// Package audit records every mutating protocol operation. The trail is
// append-only: entries are never updated or deleted, and a failed append
// aborts the operation that triggered it.
package audit

import (
	"fmt"
	"time"

	"github.com/edgemesh/fleetd/internal/clock"
)

// Outcome values recorded with each entry.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// Entry is a single audit record. Actor is an admin name or device id.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Filter selects entries on Query. Empty fields match everything.
type Filter struct {
	Actor  string
	Action string
	Target string
}

// Matches reports whether e satisfies the filter.
func (f Filter) Matches(e Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	return true
}

// Store is the persistence the audit log needs.
type Store interface {
	AppendAuditEntry(e Entry) error
	QueryAuditEntries(f Filter, limit int) ([]Entry, error)
}

// Log is the append-only audit sink shared by all services.
type Log struct {
	store Store
	clk   clock.Clock
}

// New creates a Log backed by the given store.
func New(store Store, clk clock.Clock) *Log {
	return &Log{store: store, clk: clk}
}

// Append stamps and persists an entry. Callers must treat an error as
// fatal to the operation being audited.
func (l *Log) Append(actor, action, target, outcome string) error {
	return l.AppendDetail(actor, action, target, outcome, "")
}

// AppendDetail is Append with a free-form detail string.
func (l *Log) AppendDetail(actor, action, target, outcome, detail string) error {
	if err := l.store.AppendAuditEntry(l.Entry(actor, action, target, outcome, detail)); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Entry stamps an entry without persisting it. Stores that couple a
// mutation with its audit record write the entry in the same transaction
// as the change.
func (l *Log) Entry(actor, action, target, outcome, detail string) Entry {
	return Entry{
		Timestamp: l.clk.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		Detail:    detail,
	}
}

// Query returns up to limit matching entries, newest first.
func (l *Log) Query(f Filter, limit int) ([]Entry, error) {
	return l.store.QueryAuditEntries(f, limit)
}
