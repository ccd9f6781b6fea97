// Package sign implements the mutual-authentication signature scheme shared
// by the server and the device agent. Payloads are signed with HMAC-SHA256
// under a key derived from the device's shared secret; a timestamp window
// and a per-device nonce set close the replay window.
//
// The server never holds the plaintext device secret -- it derives the
// signing key from the stored SHA-256 digest. The device derives the same
// key by hashing its own copy of the secret, so possession of the secret
// (or its digest) on exactly two parties is what makes forgery impossible.
package sign

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrAuthFailed is returned for any signature, timestamp, or nonce failure.
// Callers must not retry automatically; a fresh timestamp and nonce are
// required.
var ErrAuthFailed = errors.New("authentication failed")

// Purpose strings keep command signatures and shell session tokens in
// distinct key domains.
const (
	PurposeCommand = "fleetd/command-signing/v1"
	PurposeSession = "fleetd/shell-session/v1"
)

const keyLen = 32

// Key is a derived HMAC signing key.
type Key []byte

// KeyFromSecret derives a signing key from a plaintext shared secret
// (device side).
func KeyFromSecret(secret, purpose string) (Key, error) {
	digest := sha256.Sum256([]byte(secret))
	return derive(digest[:], purpose)
}

// KeyFromDigest derives a signing key from the stored hex digest of the
// secret (server side).
func KeyFromDigest(hexDigest, purpose string) (Key, error) {
	ikm, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, fmt.Errorf("decode secret digest: %w", err)
	}
	return derive(ikm, purpose)
}

func derive(ikm []byte, purpose string) (Key, error) {
	r := hkdf.New(sha256.New, ikm, nil, []byte(purpose))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}

// Canonical builds the canonical byte representation of a command:
// uuid|device|command|k1=v1&k2=v2 with params in sorted key order.
func Canonical(commandUUID, deviceID, commandID string, params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return []byte(strings.Join([]string{commandUUID, deviceID, commandID, strings.Join(pairs, "&")}, "|"))
}

// SessionCanonical builds the canonical bytes of a shell session token
// binding: session|device|admin.
func SessionCanonical(sessionID, deviceID, adminName string) []byte {
	return []byte(strings.Join([]string{sessionID, deviceID, adminName}, "|"))
}

// Compute returns the hex HMAC-SHA256 signature over payload, timestamp
// and nonce.
func Compute(key Key, payload []byte, ts time.Time, nonce string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("|"))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two hex signatures in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// NewNonce returns a fresh single-use random token.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
