// Package relay multiplexes interactive shell sessions between one admin
// viewer and one device. The relay forwards opaque bytes in both
// directions and never interprets payload content.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/clock"
	"github.com/edgemesh/fleetd/internal/events"
	"github.com/edgemesh/fleetd/internal/identity"
	"github.com/edgemesh/fleetd/internal/sign"
)

// State is the lifecycle state of a shell session.
type State string

const (
	StateHandshaking State = "handshaking"
	StateOpen        State = "open"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

var (
	// ErrSessionConflict is returned when the device already has a session.
	ErrSessionConflict = errors.New("device already has an active shell session")
	// ErrDeviceUnavailable is returned when the device is offline or revoked.
	ErrDeviceUnavailable = errors.New("device is unavailable for a shell session")
	// ErrNoSession is returned when a device connects for an unknown or
	// already-completed session.
	ErrNoSession = errors.New("no pending shell session")
)

// handshakeLimit bounds how long a session may sit in handshaking before
// the relay abandons it; otherwise a device that never dials back would
// hold the per-device slot forever.
const handshakeLimit = 30 * time.Second

// Token is the signed invitation handed to the device (via its poll
// response). The device re-computes the signature from its own secret and
// refuses the session on mismatch, exactly like a command signature.
type Token struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	AdminName string `json:"admin_name"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Record is the durable trace of a finished session.
type Record struct {
	SessionID string        `json:"session_id"`
	DeviceID  string        `json:"device_id"`
	AdminName string        `json:"admin_name"`
	OpenedAt  time.Time     `json:"opened_at"`
	ClosedAt  time.Time     `json:"closed_at"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason"`
}

// Store persists finished session records.
type Store interface {
	SaveShellSession(r Record) error
	ListShellSessions(limit int) ([]Record, error) // newest first
}

// Liveness answers whether a device is currently online.
type Liveness interface {
	Online(deviceID string, timeout time.Duration) bool
}

// Transport is one side of a session: a message-oriented byte pipe. The
// websocket layer adapts gorilla connections to this; tests use in-memory
// implementations.
type Transport interface {
	Read() ([]byte, error)
	Write(p []byte) error
	Close() error
}

// Session is one admin<->device shell tunnel.
type Session struct {
	ID        string
	DeviceID  string
	AdminName string
	Token     Token

	mgr      *Manager
	openedAt time.Time
	created  time.Time

	mu          sync.Mutex
	state       State
	admin       Transport
	device      Transport
	lastTraffic time.Time
	closeOnce   sync.Once
	done        chan struct{}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager tracks at most one live session per device.
type Manager struct {
	store           Store
	audit           *audit.Log
	liveness        Liveness
	bus             *events.Bus
	clk             clock.Clock
	log             *slog.Logger
	livenessTimeout time.Duration
	idleLimit       time.Duration

	mu       sync.Mutex
	byDevice map[string]*Session
}

// NewManager wires a relay Manager.
func NewManager(store Store, auditLog *audit.Log, liveness Liveness, bus *events.Bus, clk clock.Clock, log *slog.Logger, livenessTimeout, idleLimit time.Duration) *Manager {
	return &Manager{
		store:           store,
		audit:           auditLog,
		liveness:        liveness,
		bus:             bus,
		clk:             clk,
		log:             log,
		livenessTimeout: livenessTimeout,
		idleLimit:       idleLimit,
		byDevice:        make(map[string]*Session),
	}
}

// Open creates a handshaking session for the device on behalf of an
// admin. The device must be online and not revoked; a device with any
// live session is a conflict, not a queue.
func (m *Manager) Open(adminName string, dev identity.DeviceIdentity) (*Session, error) {
	if dev.Revoked || !m.liveness.Online(dev.ID, m.livenessTimeout) {
		return nil, fmt.Errorf("device %q: %w", dev.ID, ErrDeviceUnavailable)
	}

	key, err := sign.KeyFromDigest(dev.SecretHash, sign.PurposeSession)
	if err != nil {
		return nil, fmt.Errorf("derive session key for %q: %w", dev.ID, err)
	}
	nonce, err := sign.NewNonce()
	if err != nil {
		return nil, err
	}

	now := m.clk.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		DeviceID:  dev.ID,
		AdminName: adminName,
		mgr:       m,
		created:   now,
		state:     StateHandshaking,
		done:      make(chan struct{}),
	}
	sess.Token = Token{
		SessionID: sess.ID,
		DeviceID:  dev.ID,
		AdminName: adminName,
		Timestamp: now.Unix(),
		Nonce:     nonce,
		Signature: sign.Compute(key, sign.SessionCanonical(sess.ID, dev.ID, adminName), now, nonce),
	}

	m.mu.Lock()
	if _, busy := m.byDevice[dev.ID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("device %q: %w", dev.ID, ErrSessionConflict)
	}
	m.byDevice[dev.ID] = sess
	m.mu.Unlock()

	m.log.Info("shell session requested", "session", sess.ID, "device", dev.ID, "admin", adminName)
	return sess, nil
}

// PendingToken returns the invitation token for a device's handshaking
// session, if one exists. Delivered to the device inside its poll
// response.
func (m *Manager) PendingToken(deviceID string) (Token, bool) {
	m.mu.Lock()
	sess, ok := m.byDevice[deviceID]
	m.mu.Unlock()
	if !ok {
		return Token{}, false
	}
	if sess.State() != StateHandshaking {
		return Token{}, false
	}
	return sess.Token, true
}

// Claim resolves the handshaking session a device is dialing back for.
// The session id must match the pending one for that device.
func (m *Manager) Claim(deviceID, sessionID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.byDevice[deviceID]
	m.mu.Unlock()
	if !ok || sess.ID != sessionID {
		return nil, ErrNoSession
	}
	if sess.State() != StateHandshaking {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Session returns the live session for a device, if any.
func (m *Manager) Session(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byDevice[deviceID]
	return sess, ok
}

// History returns finished session records, newest first.
func (m *Manager) History(limit int) ([]Record, error) {
	return m.store.ListShellSessions(limit)
}

// SweepStale abandons handshaking sessions the device never dialed back
// for. Runs on a schedule.
func (m *Manager) SweepStale() {
	now := m.clk.Now()

	m.mu.Lock()
	var stale []*Session
	for _, sess := range m.byDevice {
		if sess.State() == StateHandshaking && now.Sub(sess.created) > handshakeLimit {
			stale = append(stale, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range stale {
		sess.Close("handshake timeout")
	}
}

func (m *Manager) release(sess *Session) {
	m.mu.Lock()
	if cur, ok := m.byDevice[sess.DeviceID]; ok && cur == sess {
		delete(m.byDevice, sess.DeviceID)
	}
	m.mu.Unlock()
}
