package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const (
	AdminKeyPrefix     = "fak_"
	DeviceSecretPrefix = "fds_"
	secretRawBytes     = 32
)

// GenerateAdminKey creates a new admin API key with the fak_ prefix.
// Returns the full plaintext key (shown once) and the SHA-256 hash for storage.
func GenerateAdminKey() (plaintext string, hash string, err error) {
	return generate(AdminKeyPrefix)
}

// GenerateDeviceSecret creates a new device secret with the fds_ prefix.
func GenerateDeviceSecret() (plaintext string, hash string, err error) {
	return generate(DeviceSecretPrefix)
}

func generate(prefix string) (string, string, error) {
	raw := make([]byte, secretRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext := prefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashSecret(plaintext), nil
}

// HashSecret returns the SHA-256 hex digest of a secret string.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// digestEqual compares two hex digests in constant time.
func digestEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
