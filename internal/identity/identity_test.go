package identity

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/clock"
)

// memStore is an in-memory Store plus audit sink for service tests.
type memStore struct {
	mu        sync.Mutex
	admins    map[string]AdminIdentity // by name
	devices   map[string]DeviceIdentity
	entries   []audit.Entry
	failAudit bool
}

func newMemStore() *memStore {
	return &memStore{
		admins:  make(map[string]AdminIdentity),
		devices: make(map[string]DeviceIdentity),
	}
}

func (m *memStore) CreateFirstAdmin(a AdminIdentity, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.admins) > 0 {
		return ErrAlreadyInitialized
	}
	if m.failAudit {
		return errors.New("audit sink unavailable")
	}
	m.admins[a.Name] = a
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) CreateAdmin(a AdminIdentity, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.admins[a.Name]; taken {
		return errors.New("admin name taken")
	}
	if m.failAudit {
		return errors.New("audit sink unavailable")
	}
	m.admins[a.Name] = a
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) GetAdminByKeyHash(hash string) (AdminIdentity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if a.KeyHash == hash {
			return a, true, nil
		}
	}
	return AdminIdentity{}, false, nil
}

func (m *memStore) GetDevice(id string) (DeviceIdentity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	return d, ok, nil
}

func (m *memStore) SaveDevice(d DeviceIdentity, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAudit {
		return errors.New("audit sink unavailable")
	}
	m.devices[d.ID] = d
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) ListDevices() ([]DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceIdentity, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AppendAuditEntry(e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAudit {
		return errors.New("audit sink unavailable")
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) QueryAuditEntries(f audit.Filter, limit int) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Matches(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func testService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	ms := newMemStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(ms, audit.New(ms, clk), clk, log), ms
}

func TestBootstrapOnce(t *testing.T) {
	svc, _ := testService(t)

	admin, key, err := svc.Bootstrap("root")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if admin.Name != "root" {
		t.Errorf("Name = %q, want root", admin.Name)
	}
	if !strings.HasPrefix(key, AdminKeyPrefix) {
		t.Errorf("key %q missing %q prefix", key, AdminKeyPrefix)
	}
	if admin.KeyHash == key {
		t.Error("plaintext key stored as hash")
	}

	if _, _, err := svc.Bootstrap("second"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Bootstrap = %v, want ErrAlreadyInitialized", err)
	}
}

func TestVerifyAdmin(t *testing.T) {
	svc, _ := testService(t)
	_, key, err := svc.Bootstrap("root")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	admin, err := svc.VerifyAdmin(key)
	if err != nil {
		t.Fatalf("VerifyAdmin: %v", err)
	}
	if admin.Name != "root" {
		t.Errorf("Name = %q, want root", admin.Name)
	}

	if _, err := svc.VerifyAdmin("fak_wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("VerifyAdmin(wrong) = %v, want ErrAuthFailed", err)
	}
}

func TestCreateAdminDisclosesOnce(t *testing.T) {
	svc, ms := testService(t)
	if _, _, err := svc.Bootstrap("root"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	key, err := svc.CreateAdmin("root", "ops")
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if _, err := svc.VerifyAdmin(key); err != nil {
		t.Fatalf("VerifyAdmin(new key): %v", err)
	}

	// Nothing stored contains the plaintext.
	for _, a := range ms.admins {
		if strings.Contains(a.KeyHash, key) {
			t.Fatalf("plaintext leaked into stored hash for %q", a.Name)
		}
	}
}

func TestRegisterDevice(t *testing.T) {
	svc, _ := testService(t)

	secret, err := svc.RegisterDevice("root", "edge-1")
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if !strings.HasPrefix(secret, DeviceSecretPrefix) {
		t.Errorf("secret %q missing %q prefix", secret, DeviceSecretPrefix)
	}

	if _, err := svc.RegisterDevice("root", "edge-1"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate RegisterDevice = %v, want ErrAlreadyRegistered", err)
	}
}

func TestReRegisterAfterRevoke(t *testing.T) {
	svc, _ := testService(t)

	oldSecret, err := svc.RegisterDevice("root", "edge-1")
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := svc.RevokeDevice("root", "edge-1"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}

	newSecret, err := svc.RegisterDevice("root", "edge-1")
	if err != nil {
		t.Fatalf("re-RegisterDevice = %v, want nil", err)
	}
	if newSecret == oldSecret {
		t.Fatal("re-registration reused the old secret")
	}

	// The fresh identity is live again.
	if _, err := svc.VerifyDevice("edge-1", newSecret); err != nil {
		t.Fatalf("VerifyDevice(new secret): %v", err)
	}
	if _, err := svc.VerifyDevice("edge-1", oldSecret); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("VerifyDevice(old secret) = %v, want ErrAuthFailed", err)
	}
}

func TestRevokeDevice(t *testing.T) {
	svc, _ := testService(t)
	secret, err := svc.RegisterDevice("root", "edge-1")
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	if err := svc.RevokeDevice("root", "edge-1"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	// Idempotent.
	if err := svc.RevokeDevice("root", "edge-1"); err != nil {
		t.Fatalf("second RevokeDevice = %v, want nil", err)
	}
	if err := svc.RevokeDevice("root", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RevokeDevice(ghost) = %v, want ErrNotFound", err)
	}

	if _, err := svc.VerifyDevice("edge-1", secret); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("VerifyDevice(revoked) = %v, want ErrAuthFailed", err)
	}

	dev, err := svc.Device("edge-1")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if !dev.Revoked || dev.RevokedAt.IsZero() {
		t.Errorf("record after revoke = %+v, want Revoked with timestamp", dev)
	}
}

func TestVerifyDeviceCollapsesFailures(t *testing.T) {
	svc, _ := testService(t)
	if _, err := svc.RegisterDevice("root", "edge-1"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	if _, err := svc.VerifyDevice("ghost", "fds_x"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("unknown id = %v, want ErrAuthFailed", err)
	}
	if _, err := svc.VerifyDevice("edge-1", "fds_wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong secret = %v, want ErrAuthFailed", err)
	}
}

func TestAuditFailureAbortsMutation(t *testing.T) {
	svc, ms := testService(t)
	ms.failAudit = true

	if _, _, err := svc.Bootstrap("root"); err == nil {
		t.Fatal("Bootstrap succeeded despite audit failure")
	}
	if len(ms.admins) != 0 {
		t.Errorf("admin stored despite audit failure: %v", ms.admins)
	}

	if _, err := svc.RegisterDevice("root", "edge-1"); err == nil {
		t.Fatal("RegisterDevice succeeded despite audit failure")
	}
	if len(ms.devices) != 0 {
		t.Errorf("device stored despite audit failure: %v", ms.devices)
	}
}

func TestMutationsAreAudited(t *testing.T) {
	svc, ms := testService(t)
	if _, _, err := svc.Bootstrap("root"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := svc.RegisterDevice("root", "edge-1"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := svc.RevokeDevice("root", "edge-1"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}

	actions := make([]string, len(ms.entries))
	for i, e := range ms.entries {
		actions[i] = e.Action
	}
	want := []string{"bootstrap_admin", "register_device", "revoke_device"}
	if len(actions) != len(want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("audit action[%d] = %q, want %q", i, actions[i], want[i])
		}
	}
}
