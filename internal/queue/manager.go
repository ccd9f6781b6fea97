package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/catalog"
	"github.com/edgemesh/fleetd/internal/clock"
	"github.com/edgemesh/fleetd/internal/events"
	"github.com/edgemesh/fleetd/internal/identity"
	"github.com/edgemesh/fleetd/internal/metrics"
	"github.com/edgemesh/fleetd/internal/sign"
)

const (
	// maxInFlight bounds queued+delivered commands per device. Enqueue
	// beyond the cap fails with ErrQueueFull so backpressure is explicit
	// instead of unbounded.
	maxInFlight = 128

	// maxOutputBytes bounds stored result output; longer output is
	// truncated, not rejected.
	maxOutputBytes = 64 << 10
)

// DeviceDirectory resolves device records for enqueue validation.
type DeviceDirectory interface {
	Device(id string) (identity.DeviceIdentity, error)
}

// Manager implements the command queue. Per-device state is guarded by
// per-device mutexes so unrelated devices make progress independently;
// the outer map lock is held only for queue lookup and creation.
type Manager struct {
	store   Store
	devices DeviceDirectory
	catalog *catalog.Catalog
	audit   *audit.Log
	bus     *events.Bus
	clk     clock.Clock
	log     *slog.Logger

	mu     sync.RWMutex
	queues map[string]*deviceQueue
}

// deviceQueue holds one device's open (queued or delivered) commands in
// FIFO creation order. wake is closed and replaced on every enqueue so
// long-polling Poll calls can block on it.
type deviceQueue struct {
	mu       sync.Mutex
	commands []*Command
	wake     chan struct{}
}

// NewManager wires a Manager. Call LoadFromStore before serving.
func NewManager(store Store, devices DeviceDirectory, cat *catalog.Catalog, auditLog *audit.Log, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		devices: devices,
		catalog: cat,
		audit:   auditLog,
		bus:     bus,
		clk:     clk,
		log:     log,
		queues:  make(map[string]*deviceQueue),
	}
}

// LoadFromStore hydrates open commands from persistence, restoring FIFO
// order per device.
func (m *Manager) LoadFromStore() error {
	open, err := m.store.ListOpenCommands()
	if err != nil {
		return fmt.Errorf("load open commands: %w", err)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	m.mu.Lock()
	for i := range open {
		c := open[i]
		dq, ok := m.queues[c.DeviceID]
		if !ok {
			dq = newDeviceQueue()
			m.queues[c.DeviceID] = dq
		}
		dq.commands = append(dq.commands, &c)
	}
	m.mu.Unlock()

	m.log.Info("loaded open commands", "count", len(open))
	m.updateDepth()
	return nil
}

// Enqueue validates and queues a command for a device. Validation
// failures are themselves audited with a denied outcome.
func (m *Manager) Enqueue(callerAdmin, deviceID, commandID string, params map[string]string) (Command, error) {
	dev, err := m.devices.Device(deviceID)
	if err != nil {
		return Command{}, err
	}
	if dev.Revoked {
		if aerr := m.audit.AppendDetail(callerAdmin, "enqueue_command", deviceID, audit.OutcomeDenied, "device revoked"); aerr != nil {
			return Command{}, aerr
		}
		return Command{}, fmt.Errorf("device %q: %w", deviceID, ErrDeviceRevoked)
	}
	if err := m.catalog.Validate(commandID, params); err != nil {
		if aerr := m.audit.AppendDetail(callerAdmin, "enqueue_command", deviceID, audit.OutcomeDenied, err.Error()); aerr != nil {
			return Command{}, aerr
		}
		return Command{}, err
	}

	cmd := Command{
		UUID:      uuid.NewString(),
		DeviceID:  deviceID,
		CommandID: commandID,
		Params:    params,
		IssuedBy:  callerAdmin,
		Status:    StatusQueued,
		CreatedAt: m.clk.Now().UTC(),
	}

	dq := m.queue(deviceID)
	dq.mu.Lock()
	if len(dq.commands) >= maxInFlight {
		dq.mu.Unlock()
		return Command{}, fmt.Errorf("device %q has %d open commands: %w", deviceID, maxInFlight, ErrQueueFull)
	}
	// The audit entry lands before the command exists anywhere: a failed
	// append leaves nothing persisted or deliverable.
	if err := m.audit.AppendDetail(callerAdmin, "enqueue_command", deviceID, audit.OutcomeOK, commandID+" "+cmd.UUID); err != nil {
		dq.mu.Unlock()
		return Command{}, err
	}
	if err := m.store.SaveCommand(cmd); err != nil {
		dq.mu.Unlock()
		return Command{}, fmt.Errorf("persist command: %w", err)
	}
	dq.commands = append(dq.commands, &cmd)
	wake := dq.wake
	dq.wake = make(chan struct{})
	dq.mu.Unlock()
	close(wake) // release long-pollers

	metrics.CommandsTotal.WithLabelValues(string(StatusQueued)).Inc()
	m.updateDepth()
	m.bus.Publish(events.Event{
		Type:        events.EventCommandQueued,
		DeviceID:    deviceID,
		Actor:       callerAdmin,
		CommandUUID: cmd.UUID,
		CommandID:   commandID,
		Timestamp:   cmd.CreatedAt,
	})
	m.log.Info("command queued", "device", deviceID, "command", commandID, "uuid", cmd.UUID, "by", callerAdmin)
	return cmd, nil
}

// Poll returns all queued commands for the device in FIFO order, signed,
// and transitions each to delivered exactly once. With wait > 0 and an
// empty queue it blocks until a command arrives or the wait elapses --
// never indefinitely. Re-polling does not re-deliver: delivered commands
// stay with the device until a result or expiry.
func (m *Manager) Poll(dev identity.DeviceIdentity, wait time.Duration) ([]SignedCommand, error) {
	metrics.PollRequestsTotal.Inc()
	dq := m.queue(dev.ID)

	out, err := m.deliver(dq, dev)
	if err != nil || len(out) > 0 || wait <= 0 {
		return out, err
	}

	dq.mu.Lock()
	wake := dq.wake
	dq.mu.Unlock()
	select {
	case <-wake:
	case <-m.clk.After(wait):
	}
	return m.deliver(dq, dev)
}

// deliver transitions every queued command to delivered and returns the
// signed batch in FIFO order. Each transition commits only after its
// audit entry and store write land, so a mid-batch failure leaves that
// command and the rest of the batch queued and re-deliverable. dq.mu is
// held throughout, which makes delivery at-most-once per poll cycle: a
// concurrent Poll from the same device sees no queued commands left.
func (m *Manager) deliver(dq *deviceQueue, dev identity.DeviceIdentity) ([]SignedCommand, error) {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	var pending []*Command
	for _, c := range dq.commands {
		if c.Status == StatusQueued {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	key, err := sign.KeyFromDigest(dev.SecretHash, sign.PurposeCommand)
	if err != nil {
		return nil, fmt.Errorf("derive signing key for %q: %w", dev.ID, err)
	}

	now := m.clk.Now().UTC()
	var out []SignedCommand
	for _, c := range pending {
		nonce, err := sign.NewNonce()
		if err != nil {
			return out, err
		}
		staged := *c
		staged.Status = StatusDelivered
		staged.DeliveredAt = now
		if err := m.audit.Append(dev.ID, "deliver_command", staged.UUID, audit.OutcomeOK); err != nil {
			return out, err
		}
		if err := m.store.SaveCommand(staged); err != nil {
			return out, fmt.Errorf("persist delivery of %s: %w", staged.UUID, err)
		}
		*c = staged

		out = append(out, SignedCommand{
			Command:   staged,
			Timestamp: now.Unix(),
			Nonce:     nonce,
			Signature: sign.Compute(key, sign.Canonical(staged.UUID, staged.DeviceID, staged.CommandID, staged.Params), now, nonce),
		})

		metrics.CommandsTotal.WithLabelValues(string(StatusDelivered)).Inc()
		m.bus.Publish(events.Event{
			Type:        events.EventCommandDelivered,
			DeviceID:    dev.ID,
			CommandUUID: staged.UUID,
			CommandID:   staged.CommandID,
			Timestamp:   now,
		})
	}
	m.log.Debug("delivered commands", "device", dev.ID, "count", len(out))
	return out, nil
}

// SubmitResult records the outcome of a delivered command. The command
// must belong to the calling device and be in delivered state; a second
// submission for the same UUID is ErrConflict and leaves the stored
// result untouched.
func (m *Manager) SubmitResult(dev identity.DeviceIdentity, commandUUID string, exitStatus int, output string) (Result, error) {
	if _, exists, err := m.store.GetResult(commandUUID); err != nil {
		return Result{}, fmt.Errorf("lookup result %s: %w", commandUUID, err)
	} else if exists {
		return Result{}, fmt.Errorf("command %s: %w", commandUUID, ErrConflict)
	}

	dq := m.queue(dev.ID)
	dq.mu.Lock()
	idx := -1
	for i, c := range dq.commands {
		if c.UUID == commandUUID {
			idx = i
			break
		}
	}
	if idx < 0 {
		dq.mu.Unlock()
		// Not in the live queue: either never existed, belongs to another
		// device, or was already swept. An expired command of this device
		// is a state-machine violation, not a lookup miss.
		if stored, ok, err := m.store.GetCommand(commandUUID); err != nil {
			return Result{}, fmt.Errorf("lookup command %s: %w", commandUUID, err)
		} else if ok && stored.DeviceID == dev.ID && stored.Status == StatusExpired {
			return Result{}, fmt.Errorf("command %s is expired: %w", commandUUID, ErrInvalidState)
		}
		return Result{}, fmt.Errorf("command %s: %w", commandUUID, ErrNotFound)
	}
	c := dq.commands[idx]
	if c.Status != StatusDelivered {
		dq.mu.Unlock()
		return Result{}, fmt.Errorf("command %s is %s, not delivered: %w", commandUUID, c.Status, ErrInvalidState)
	}

	now := m.clk.Now().UTC()
	status := StatusCompleted
	if exitStatus != 0 {
		status = StatusFailed
	}
	c.Status = status
	c.CompletedAt = now
	finished := *c
	dq.commands = append(dq.commands[:idx], dq.commands[idx+1:]...)
	dq.mu.Unlock()

	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes]
	}
	res := Result{
		CommandUUID: commandUUID,
		DeviceID:    dev.ID,
		CommandID:   finished.CommandID,
		ExitStatus:  exitStatus,
		Output:      output,
		Status:      status,
		CompletedAt: now,
	}
	if err := m.store.SaveResult(res); err != nil {
		return Result{}, fmt.Errorf("persist result %s: %w", commandUUID, err)
	}
	if err := m.store.SaveCommand(finished); err != nil {
		return Result{}, fmt.Errorf("persist command %s: %w", commandUUID, err)
	}
	if err := m.audit.AppendDetail(dev.ID, "submit_result", commandUUID, audit.OutcomeOK, fmt.Sprintf("exit=%d", exitStatus)); err != nil {
		return Result{}, err
	}

	metrics.CommandsTotal.WithLabelValues(string(status)).Inc()
	m.updateDepth()
	evt := events.EventCommandCompleted
	if status == StatusFailed {
		evt = events.EventCommandFailed
	}
	m.bus.Publish(events.Event{
		Type:        evt,
		DeviceID:    dev.ID,
		CommandUUID: commandUUID,
		CommandID:   finished.CommandID,
		Timestamp:   now,
	})
	m.log.Info("result recorded", "device", dev.ID, "uuid", commandUUID, "exit", exitStatus)
	return res, nil
}

// Expire transitions open commands past their catalog timeout to expired,
// along with every open command of a revoked device regardless of age.
// Advisory bookkeeping only: the device may still run the command, but a
// late result is rejected with ErrInvalidState. Errors are logged, never
// raised -- no caller is waiting on the sweep.
func (m *Manager) Expire() {
	now := m.clk.Now().UTC()

	type deviceRef struct {
		id string
		dq *deviceQueue
	}
	m.mu.RLock()
	queues := make([]deviceRef, 0, len(m.queues))
	for id, dq := range m.queues {
		queues = append(queues, deviceRef{id: id, dq: dq})
	}
	m.mu.RUnlock()

	expired := 0
	for _, ref := range queues {
		dq := ref.dq
		revoked := false
		if dev, err := m.devices.Device(ref.id); err == nil && dev.Revoked {
			revoked = true
		}

		dq.mu.Lock()
		kept := dq.commands[:0]
		var done []Command
		for _, c := range dq.commands {
			timeout := m.commandTimeout(c.CommandID)
			if revoked || now.Sub(c.CreatedAt) > timeout {
				c.Status = StatusExpired
				c.CompletedAt = now
				done = append(done, *c)
				continue
			}
			kept = append(kept, c)
		}
		dq.commands = kept
		dq.mu.Unlock()

		for _, c := range done {
			if err := m.store.SaveCommand(c); err != nil {
				m.log.Error("persist expiry", "uuid", c.UUID, "error", err)
				continue
			}
			metrics.CommandsTotal.WithLabelValues(string(StatusExpired)).Inc()
			m.bus.Publish(events.Event{
				Type:        events.EventCommandExpired,
				DeviceID:    c.DeviceID,
				CommandUUID: c.UUID,
				CommandID:   c.CommandID,
				Timestamp:   now,
			})
			expired++
		}
	}
	if expired > 0 {
		m.updateDepth()
		m.log.Info("expired commands", "count", expired)
	}
}

// ListResults returns stored results, newest first, optionally filtered
// by device.
func (m *Manager) ListResults(deviceID string, limit int) ([]Result, error) {
	return m.store.ListResults(deviceID, limit)
}

// OpenCount returns the number of queued+delivered commands for a device.
func (m *Manager) OpenCount(deviceID string) int {
	dq := m.queue(deviceID)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.commands)
}

func (m *Manager) commandTimeout(commandID string) time.Duration {
	if e, ok := m.catalog.Get(commandID); ok {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	// Command vanished from the catalog since enqueue; expire promptly.
	return 0
}

func (m *Manager) queue(deviceID string) *deviceQueue {
	m.mu.RLock()
	dq, ok := m.queues[deviceID]
	m.mu.RUnlock()
	if ok {
		return dq
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if dq, ok = m.queues[deviceID]; ok {
		return dq
	}
	dq = newDeviceQueue()
	m.queues[deviceID] = dq
	return dq
}

func (m *Manager) updateDepth() {
	m.mu.RLock()
	depth := 0
	for _, dq := range m.queues {
		dq.mu.Lock()
		depth += len(dq.commands)
		dq.mu.Unlock()
	}
	m.mu.RUnlock()
	metrics.QueueDepth.Set(float64(depth))
}

func newDeviceQueue() *deviceQueue {
	return &deviceQueue{wake: make(chan struct{})}
}
