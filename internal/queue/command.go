// Package queue owns the per-device command state machine:
// queued -> delivered -> completed|failed, with queued|delivered -> expired
// on timeout. Delivery is pull-based: devices poll, the server never pushes.
package queue

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

var (
	// ErrNotFound is returned for unknown command UUIDs, and for commands
	// that do not belong to the calling device.
	ErrNotFound = errors.New("command not found")
	// ErrInvalidState is returned for state-machine violations, e.g.
	// submitting a result for a command that was never delivered.
	ErrInvalidState = errors.New("command is not in a valid state for this operation")
	// ErrConflict is returned on duplicate result submission.
	ErrConflict = errors.New("a result for this command was already submitted")
	// ErrQueueFull is returned when a device's in-flight cap is reached.
	ErrQueueFull = errors.New("device command queue is full")
	// ErrDeviceRevoked is returned when enqueueing to a revoked device.
	ErrDeviceRevoked = errors.New("device is revoked")
)

// Command is one administrator-issued instruction for a single device.
type Command struct {
	UUID        string            `json:"command_uuid"`
	DeviceID    string            `json:"device_id"`
	CommandID   string            `json:"command_id"`
	Params      map[string]string `json:"params,omitempty"`
	IssuedBy    string            `json:"issued_by"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	DeliveredAt time.Time         `json:"delivered_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
}

// SignedCommand is the wire form handed to a polling device: the command
// plus the server's signature binding it to this delivery.
type SignedCommand struct {
	Command
	Timestamp int64  `json:"timestamp"` // unix seconds the signature covers
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Result is the immutable outcome of one command, 1:1 with Command.
type Result struct {
	CommandUUID string    `json:"command_uuid"`
	DeviceID    string    `json:"device_id"`
	CommandID   string    `json:"command_id"`
	ExitStatus  int       `json:"exit_status"`
	Output      string    `json:"output"`
	Status      Status    `json:"status"` // completed or failed
	CompletedAt time.Time `json:"completed_at"`
}

// Store is the persistence the queue needs. Commands are saved on every
// state transition so a restart resumes with the same in-flight set.
type Store interface {
	SaveCommand(c Command) error
	GetCommand(commandUUID string) (Command, bool, error)
	ListOpenCommands() ([]Command, error) // queued and delivered only
	SaveResult(r Result) error
	GetResult(commandUUID string) (Result, bool, error)
	ListResults(deviceID string, limit int) ([]Result, error) // newest first
}
