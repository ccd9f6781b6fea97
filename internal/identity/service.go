package identity

import (
	"fmt"
	"log/slog"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/clock"
)

// Service implements identity and secret management on top of a Store.
// All methods are safe for concurrent use; identity writes are low-frequency
// and serialize through the store.
type Service struct {
	store Store
	audit *audit.Log
	clk   clock.Clock
	log   *slog.Logger
}

// NewService wires an identity Service.
func NewService(store Store, auditLog *audit.Log, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{store: store, audit: auditLog, clk: clk, log: log}
}

// Bootstrap creates the very first admin. Fails with ErrAlreadyInitialized
// if any admin exists. The returned plaintext key is never retrievable again.
func (s *Service) Bootstrap(name string) (AdminIdentity, string, error) {
	if name == "" {
		return AdminIdentity{}, "", fmt.Errorf("admin name must not be empty")
	}
	plaintext, hash, err := GenerateAdminKey()
	if err != nil {
		return AdminIdentity{}, "", fmt.Errorf("generate admin key: %w", err)
	}
	admin := AdminIdentity{Name: name, KeyHash: hash, CreatedAt: s.clk.Now().UTC()}
	entry := s.audit.Entry(name, "bootstrap_admin", name, audit.OutcomeOK, "")
	if err := s.store.CreateFirstAdmin(admin, entry); err != nil {
		return AdminIdentity{}, "", err
	}
	s.log.Info("bootstrapped first admin", "name", name)
	return admin, plaintext, nil
}

// CreateAdmin creates an additional admin on behalf of an existing one.
// Same one-time-disclosure contract as Bootstrap.
func (s *Service) CreateAdmin(caller, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("admin name must not be empty")
	}
	plaintext, hash, err := GenerateAdminKey()
	if err != nil {
		return "", fmt.Errorf("generate admin key: %w", err)
	}
	admin := AdminIdentity{Name: name, KeyHash: hash, CreatedAt: s.clk.Now().UTC()}
	entry := s.audit.Entry(caller, "create_admin", name, audit.OutcomeOK, "")
	if err := s.store.CreateAdmin(admin, entry); err != nil {
		return "", err
	}
	s.log.Info("created admin", "name", name, "by", caller)
	return plaintext, nil
}

// RegisterDevice creates a device identity and discloses its secret once.
// Fails with ErrAlreadyRegistered while a non-revoked record exists for the
// id. A revoked record may be replaced by a fresh registration.
func (s *Service) RegisterDevice(caller, deviceID string) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("device id must not be empty")
	}
	existing, ok, err := s.store.GetDevice(deviceID)
	if err != nil {
		return "", fmt.Errorf("lookup device %q: %w", deviceID, err)
	}
	if ok && !existing.Revoked {
		return "", fmt.Errorf("device %q: %w", deviceID, ErrAlreadyRegistered)
	}

	plaintext, hash, err := GenerateDeviceSecret()
	if err != nil {
		return "", fmt.Errorf("generate device secret: %w", err)
	}
	dev := DeviceIdentity{
		ID:           deviceID,
		SecretHash:   hash,
		RegisteredAt: s.clk.Now().UTC(),
	}
	entry := s.audit.Entry(caller, "register_device", deviceID, audit.OutcomeOK, "")
	if err := s.store.SaveDevice(dev, entry); err != nil {
		return "", fmt.Errorf("persist device %q: %w", deviceID, err)
	}
	s.log.Info("registered device", "device", deviceID, "by", caller)
	return plaintext, nil
}

// RevokeDevice permanently revokes a device. Idempotent; ErrNotFound for
// unknown ids. The revoked flag never flips back.
func (s *Service) RevokeDevice(caller, deviceID string) error {
	dev, ok, err := s.store.GetDevice(deviceID)
	if err != nil {
		return fmt.Errorf("lookup device %q: %w", deviceID, err)
	}
	if !ok {
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	if dev.Revoked {
		return nil // already revoked, nothing to do
	}
	dev.Revoked = true
	dev.RevokedAt = s.clk.Now().UTC()
	entry := s.audit.Entry(caller, "revoke_device", deviceID, audit.OutcomeOK, "")
	if err := s.store.SaveDevice(dev, entry); err != nil {
		return fmt.Errorf("persist revocation of %q: %w", deviceID, err)
	}
	s.log.Info("revoked device", "device", deviceID, "by", caller)
	return nil
}

// VerifyAdmin resolves an admin from a candidate API key. The comparison
// happens on SHA-256 digests in constant time.
func (s *Service) VerifyAdmin(candidateKey string) (AdminIdentity, error) {
	hash := HashSecret(candidateKey)
	admin, ok, err := s.store.GetAdminByKeyHash(hash)
	if err != nil {
		return AdminIdentity{}, fmt.Errorf("lookup admin key: %w", err)
	}
	if !ok || !digestEqual(admin.KeyHash, hash) {
		return AdminIdentity{}, ErrAuthFailed
	}
	return admin, nil
}

// VerifyDevice checks a device credential. Unknown, revoked, and mismatched
// secrets all collapse into ErrAuthFailed so callers cannot probe for ids.
func (s *Service) VerifyDevice(deviceID, candidateSecret string) (DeviceIdentity, error) {
	dev, ok, err := s.store.GetDevice(deviceID)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("lookup device %q: %w", deviceID, err)
	}
	if !ok || dev.Revoked || !digestEqual(dev.SecretHash, HashSecret(candidateSecret)) {
		return DeviceIdentity{}, ErrAuthFailed
	}
	return dev, nil
}

// ListDevices returns every device record, revoked ones included.
func (s *Service) ListDevices() ([]DeviceIdentity, error) {
	return s.store.ListDevices()
}

// Device returns the stored record for deviceID without checking credentials.
// Used by admin-facing paths that need the revoked flag.
func (s *Service) Device(deviceID string) (DeviceIdentity, error) {
	dev, ok, err := s.store.GetDevice(deviceID)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("lookup device %q: %w", deviceID, err)
	}
	if !ok {
		return DeviceIdentity{}, fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	return dev, nil
}
