package relay

import (
	"time"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/events"
	"github.com/edgemesh/fleetd/internal/metrics"
)

// idleCheckInterval is how often the watchdog samples traffic age.
const idleCheckInterval = 5 * time.Second

// AttachAdmin binds the admin-side transport. The session opens once both
// sides are attached.
func (s *Session) AttachAdmin(t Transport) {
	s.attach(t, true)
}

// AttachDevice binds the device-side transport.
func (s *Session) AttachDevice(t Transport) {
	s.attach(t, false)
}

func (s *Session) attach(t Transport, adminSide bool) {
	s.mu.Lock()
	if s.state != StateHandshaking {
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	if adminSide {
		s.admin = t
	} else {
		s.device = t
	}
	both := s.admin != nil && s.device != nil
	if both {
		s.state = StateOpen
		s.openedAt = s.mgr.clk.Now().UTC()
		s.lastTraffic = s.openedAt
	}
	s.mu.Unlock()

	if both {
		s.start()
	}
}

// start begins byte forwarding in both directions plus the idle watchdog.
// Runs exactly once per session, after the open transition.
func (s *Session) start() {
	m := s.mgr
	m.log.Info("shell session open", "session", s.ID, "device", s.DeviceID, "admin", s.AdminName)
	metrics.ShellSessionsActive.Inc()
	metrics.ShellSessionsTotal.Inc()

	if err := m.audit.Append(s.AdminName, "shell_open", s.DeviceID, audit.OutcomeOK); err != nil {
		// Auditability is a security property: refuse to run the session.
		m.log.Error("audit write failed, refusing shell session", "session", s.ID, "error", err)
		s.Close("audit failure")
		return
	}

	m.bus.Publish(events.Event{
		Type:      events.EventShellOpened,
		DeviceID:  s.DeviceID,
		Actor:     s.AdminName,
		SessionID: s.ID,
		Timestamp: s.openedAt,
	})

	go s.pump(s.admin, s.device, "admin disconnect")
	go s.pump(s.device, s.admin, "device disconnect")
	go s.watchdog()
}

// pump forwards messages from src to dst until either side fails. The
// payload is opaque: keystrokes, resizes and output all pass through
// unmodified.
func (s *Session) pump(src, dst Transport, closeReason string) {
	for {
		p, err := src.Read()
		if err != nil {
			s.Close(closeReason)
			return
		}

		s.mu.Lock()
		if s.state != StateOpen {
			s.mu.Unlock()
			return
		}
		s.lastTraffic = s.mgr.clk.Now()
		s.mu.Unlock()

		if err := dst.Write(p); err != nil {
			s.Close(closeReason)
			return
		}
	}
}

// watchdog closes the session when no bytes moved in either direction
// within the idle limit. This is the hard timeout either side's silence
// triggers unilaterally.
func (s *Session) watchdog() {
	for {
		select {
		case <-s.done:
			return
		case <-s.mgr.clk.After(idleCheckInterval):
		}

		s.mu.Lock()
		idle := s.mgr.clk.Now().Sub(s.lastTraffic)
		open := s.state == StateOpen
		s.mu.Unlock()

		if open && idle > s.mgr.idleLimit {
			s.Close("idle timeout")
			return
		}
	}
}

// Close moves the session through closing to closed, tears down both
// transports, and records the audit trail. Safe to call from any side,
// any number of times.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		m := s.mgr

		s.mu.Lock()
		wasOpen := s.state == StateOpen
		s.state = StateClosing
		admin, device := s.admin, s.device
		s.mu.Unlock()

		if admin != nil {
			_ = admin.Close()
		}
		if device != nil {
			_ = device.Close()
		}

		now := m.clk.Now().UTC()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		m.release(s)

		if !wasOpen {
			m.log.Info("shell session abandoned", "session", s.ID, "device", s.DeviceID, "reason", reason)
			return
		}

		metrics.ShellSessionsActive.Dec()
		duration := now.Sub(s.openedAt)
		rec := Record{
			SessionID: s.ID,
			DeviceID:  s.DeviceID,
			AdminName: s.AdminName,
			OpenedAt:  s.openedAt,
			ClosedAt:  now,
			Duration:  duration,
			Reason:    reason,
		}
		if err := m.store.SaveShellSession(rec); err != nil {
			m.log.Error("persist shell session record", "session", s.ID, "error", err)
		}
		if err := m.audit.AppendDetail(s.AdminName, "shell_close", s.DeviceID, audit.OutcomeOK, reason); err != nil {
			m.log.Error("audit shell close", "session", s.ID, "error", err)
		}
		m.bus.Publish(events.Event{
			Type:      events.EventShellClosed,
			DeviceID:  s.DeviceID,
			Actor:     s.AdminName,
			SessionID: s.ID,
			Message:   reason,
			Timestamp: now,
		})
		m.log.Info("shell session closed", "session", s.ID, "device", s.DeviceID, "duration", duration, "reason", reason)
	})
}
