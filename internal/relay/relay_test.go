package relay_test

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/clock"
	"github.com/edgemesh/fleetd/internal/events"
	"github.com/edgemesh/fleetd/internal/identity"
	"github.com/edgemesh/fleetd/internal/relay"
	"github.com/edgemesh/fleetd/internal/sign"
	"github.com/edgemesh/fleetd/internal/store"
)

// memTransport is an in-memory message pipe standing in for a websocket.
// The test injects what the session reads and observes what it writes.
type memTransport struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newMemTransport() *memTransport {
	return &memTransport{
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (m *memTransport) Read() ([]byte, error) {
	select {
	case p := <-m.in:
		return p, nil
	case <-m.done:
		return nil, errors.New("transport closed")
	}
}

func (m *memTransport) Write(p []byte) error {
	select {
	case m.out <- p:
		return nil
	case <-m.done:
		return errors.New("transport closed")
	}
}

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

type fakeLiveness struct {
	mu     sync.Mutex
	online map[string]bool
}

func (f *fakeLiveness) Online(deviceID string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[deviceID]
}

type fixture struct {
	mgr    *relay.Manager
	store  *store.Store
	clk    *clock.Fake
	live   *fakeLiveness
	dev    identity.DeviceIdentity
	secret string
}

func newFixture(t *testing.T, idleLimit time.Duration) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	secret := "fds_relay-secret"
	dev := identity.DeviceIdentity{ID: "edge-1", SecretHash: identity.HashSecret(secret)}
	live := &fakeLiveness{online: map[string]bool{"edge-1": true}}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := relay.NewManager(s, audit.New(s, clk), live, events.New(), clk, log, 2*time.Minute, idleLimit)
	return &fixture{mgr: mgr, store: s, clk: clk, live: live, dev: dev, secret: secret}
}

// openSession drives a session all the way to open and returns both ends.
func openSession(t *testing.T, f *fixture) (*relay.Session, *memTransport, *memTransport) {
	t.Helper()
	sess, err := f.mgr.Open("root", f.dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	claimed, err := f.mgr.Claim(f.dev.ID, sess.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	adminT := newMemTransport()
	deviceT := newMemTransport()
	sess.AttachAdmin(adminT)
	claimed.AttachDevice(deviceT)

	if got := sess.State(); got != relay.StateOpen {
		t.Fatalf("State after attach = %q, want open", got)
	}
	return sess, adminT, deviceT
}

func waitClosed(t *testing.T, sess *relay.Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close, state %q", sess.State())
	}
}

func TestOpenRequiresOnlineDevice(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	f.live.online["edge-1"] = false

	if _, err := f.mgr.Open("root", f.dev); !errors.Is(err, relay.ErrDeviceUnavailable) {
		t.Fatalf("Open(offline) = %v, want ErrDeviceUnavailable", err)
	}
}

func TestOpenRefusesRevokedDevice(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	revoked := f.dev
	revoked.Revoked = true

	if _, err := f.mgr.Open("root", revoked); !errors.Is(err, relay.ErrDeviceUnavailable) {
		t.Fatalf("Open(revoked) = %v, want ErrDeviceUnavailable", err)
	}
}

func TestOpenIssuesVerifiableToken(t *testing.T) {
	f := newFixture(t, 10*time.Minute)

	sess, err := f.mgr.Open("root", f.dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tok := sess.Token
	if tok.SessionID != sess.ID || tok.DeviceID != "edge-1" || tok.AdminName != "root" {
		t.Errorf("token binding = %+v", tok)
	}

	// The device verifies the token with its own secret, session purpose.
	key, err := sign.KeyFromSecret(f.secret, sign.PurposeSession)
	if err != nil {
		t.Fatalf("KeyFromSecret: %v", err)
	}
	v := sign.NewVerifier(5*time.Minute, f.clk)
	payload := sign.SessionCanonical(tok.SessionID, tok.DeviceID, tok.AdminName)
	if err := v.Verify(key, payload, time.Unix(tok.Timestamp, 0), tok.Nonce, tok.Signature, tok.DeviceID); err != nil {
		t.Fatalf("token signature did not verify: %v", err)
	}

	// A command-purpose key must not validate a session token.
	cmdKey, _ := sign.KeyFromSecret(f.secret, sign.PurposeCommand)
	if err := sign.NewVerifier(5*time.Minute, f.clk).Verify(cmdKey, payload, time.Unix(tok.Timestamp, 0), tok.Nonce, tok.Signature, tok.DeviceID); err == nil {
		t.Fatal("session token verified under the command key")
	}
}

func TestOneSessionPerDevice(t *testing.T) {
	f := newFixture(t, 10*time.Minute)

	if _, err := f.mgr.Open("root", f.dev); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := f.mgr.Open("ops", f.dev); !errors.Is(err, relay.ErrSessionConflict) {
		t.Fatalf("second Open = %v, want ErrSessionConflict", err)
	}
}

func TestPendingTokenLifecycle(t *testing.T) {
	f := newFixture(t, 10*time.Minute)

	if _, ok := f.mgr.PendingToken("edge-1"); ok {
		t.Fatal("PendingToken before Open = true")
	}
	sess, _ := f.mgr.Open("root", f.dev)
	tok, ok := f.mgr.PendingToken("edge-1")
	if !ok || tok.SessionID != sess.ID {
		t.Fatalf("PendingToken = %+v, %v", tok, ok)
	}

	sess.AttachAdmin(newMemTransport())
	sess.AttachDevice(newMemTransport())
	if sess.State() != relay.StateOpen {
		t.Fatalf("State = %q, want open", sess.State())
	}
	if _, ok := f.mgr.PendingToken("edge-1"); ok {
		t.Fatal("PendingToken after open = true, want false")
	}
}

func TestClaimValidation(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	sess, _ := f.mgr.Open("root", f.dev)

	if _, err := f.mgr.Claim("edge-1", "wrong-id"); !errors.Is(err, relay.ErrNoSession) {
		t.Errorf("Claim(wrong id) = %v, want ErrNoSession", err)
	}
	if _, err := f.mgr.Claim("other-device", sess.ID); !errors.Is(err, relay.ErrNoSession) {
		t.Errorf("Claim(other device) = %v, want ErrNoSession", err)
	}
	if _, err := f.mgr.Claim("edge-1", sess.ID); err != nil {
		t.Errorf("Claim = %v, want nil", err)
	}
}

func TestRelayForwardsBothWays(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	_, adminT, deviceT := openSession(t, f)

	adminT.in <- []byte("ls -la\n")
	select {
	case p := <-deviceT.out:
		if string(p) != "ls -la\n" {
			t.Errorf("device received %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("admin bytes never reached the device")
	}

	deviceT.in <- []byte("total 0\n")
	select {
	case p := <-adminT.out:
		if string(p) != "total 0\n" {
			t.Errorf("admin received %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("device bytes never reached the admin")
	}
}

func TestDisconnectClosesAndRecords(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	sess, adminT, _ := openSession(t, f)

	adminT.Close()
	waitClosed(t, sess)

	recs, err := f.mgr.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("History = %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.SessionID != sess.ID || rec.DeviceID != "edge-1" || rec.AdminName != "root" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Reason != "admin disconnect" {
		t.Errorf("Reason = %q, want admin disconnect", rec.Reason)
	}

	// The per-device slot is free again.
	if _, err := f.mgr.Open("root", f.dev); err != nil {
		t.Fatalf("Open after close = %v, want nil", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	sess, _, _ := openSession(t, f)

	sess.Close("operator request")
	sess.Close("second call")
	waitClosed(t, sess)

	recs, _ := f.mgr.History(10)
	if len(recs) != 1 || recs[0].Reason != "operator request" {
		t.Fatalf("History = %+v, want one record with the first reason", recs)
	}
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess, _, _ := openSession(t, f)

	f.clk.Advance(time.Minute + time.Second)
	waitClosed(t, sess)

	recs, _ := f.mgr.History(10)
	if len(recs) != 1 || recs[0].Reason != "idle timeout" {
		t.Fatalf("History = %+v, want idle timeout record", recs)
	}
}

func TestSweepStaleAbandonsHandshake(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	sess, err := f.mgr.Open("root", f.dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.clk.Advance(31 * time.Second)
	f.mgr.SweepStale()
	waitClosed(t, sess)

	if _, ok := f.mgr.PendingToken("edge-1"); ok {
		t.Error("PendingToken survives the sweep")
	}
	// Never opened, so no history record.
	recs, _ := f.mgr.History(10)
	if len(recs) != 0 {
		t.Errorf("History = %+v, want none for an abandoned handshake", recs)
	}
	if _, err := f.mgr.Open("root", f.dev); err != nil {
		t.Errorf("Open after sweep = %v, want nil", err)
	}
}

func TestSessionLifecycleIsAudited(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	sess, adminT, _ := openSession(t, f)

	adminT.Close()
	waitClosed(t, sess)

	opens, err := f.store.QueryAuditEntries(audit.Filter{Action: "shell_open"}, 10)
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	closes, _ := f.store.QueryAuditEntries(audit.Filter{Action: "shell_close"}, 10)
	if len(opens) != 1 || len(closes) != 1 {
		t.Fatalf("audit shell_open=%d shell_close=%d, want 1 and 1", len(opens), len(closes))
	}
	if opens[0].Actor != "root" || opens[0].Target != "edge-1" {
		t.Errorf("open entry = %+v", opens[0])
	}
}
