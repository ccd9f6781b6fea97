// Package identity manages admin and device identities and their secrets.
// Plaintext secrets exist only as the return value of the creation call;
// only SHA-256 digests are ever persisted.
package identity

import (
	"errors"
	"time"

	"github.com/edgemesh/fleetd/internal/audit"
)

var (
	// ErrAlreadyInitialized is returned by Bootstrap when an admin exists.
	ErrAlreadyInitialized = errors.New("an admin account already exists")
	// ErrAlreadyRegistered is returned when a live device record exists.
	ErrAlreadyRegistered = errors.New("device is already registered")
	// ErrNotFound is returned for unknown identities.
	ErrNotFound = errors.New("identity not found")
	// ErrAuthFailed covers bad credentials and revoked identities.
	ErrAuthFailed = errors.New("authentication failed")
)

// AdminIdentity is a privileged operator account. The API key is stored
// only as a digest; revocation of admins is out of scope.
type AdminIdentity struct {
	Name      string    `json:"name"`
	KeyHash   string    `json:"key_hash"` // SHA-256 hex of the plaintext API key
	CreatedAt time.Time `json:"created_at"`
}

// DeviceIdentity is a managed edge device. Revoked flips permanently to
// true; re-registration under the same id fails while the record is live.
type DeviceIdentity struct {
	ID           string    `json:"id"`
	SecretHash   string    `json:"secret_hash"` // SHA-256 hex of the device secret
	Revoked      bool      `json:"revoked"`
	RegisteredAt time.Time `json:"registered_at"`
	RevokedAt    time.Time `json:"revoked_at,omitzero"`
}

// Store is the persistence fleetd needs for identities. Mutations take
// the audit entry alongside the record and commit both atomically, so a
// change can never land without its trail entry and vice versa.
type Store interface {
	// CreateFirstAdmin persists the admin only if no admin exists yet.
	// Returns ErrAlreadyInitialized otherwise.
	CreateFirstAdmin(a AdminIdentity, e audit.Entry) error
	// CreateAdmin persists a new admin; fails if the name is taken.
	CreateAdmin(a AdminIdentity, e audit.Entry) error
	// GetAdminByKeyHash looks an admin up by its key digest.
	GetAdminByKeyHash(hash string) (AdminIdentity, bool, error)
	// GetDevice returns the device record for id.
	GetDevice(id string) (DeviceIdentity, bool, error)
	// SaveDevice creates or overwrites a device record.
	SaveDevice(d DeviceIdentity, e audit.Entry) error
	// ListDevices returns all device records, sorted by id.
	ListDevices() ([]DeviceIdentity, error)
}
