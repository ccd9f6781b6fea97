package sign

import (
	"sync"
	"time"

	"github.com/edgemesh/fleetd/internal/clock"
)

// Verifier validates signatures with clock-skew and replay protection.
// Nonces are tracked per device and evicted once their timestamp ages out
// of the skew window, which bounds memory while closing the replay window
// exactly to the tolerance.
type Verifier struct {
	skew time.Duration
	clk  clock.Clock

	mu      sync.RWMutex
	devices map[string]*nonceSet
}

type nonceSet struct {
	mu   sync.Mutex
	seen map[string]time.Time // nonce -> signature timestamp
}

// NewVerifier creates a Verifier with the given clock-skew tolerance.
func NewVerifier(skew time.Duration, clk clock.Clock) *Verifier {
	return &Verifier{
		skew:    skew,
		clk:     clk,
		devices: make(map[string]*nonceSet),
	}
}

// Verify checks the signature over payload/ts/nonce with key, rejects
// timestamps outside the skew window, and rejects nonces already seen for
// the device within the window. Any failure is ErrAuthFailed.
func (v *Verifier) Verify(key Key, payload []byte, ts time.Time, nonce, signature, deviceID string) error {
	if nonce == "" || signature == "" {
		return ErrAuthFailed
	}
	if !Equal(Compute(key, payload, ts, nonce), signature) {
		return ErrAuthFailed
	}

	now := v.clk.Now()
	age := now.Sub(ts)
	if age > v.skew || age < -v.skew {
		return ErrAuthFailed
	}

	ns := v.set(deviceID)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	// Evict nonces that can no longer pass the skew check anyway.
	horizon := now.Add(-v.skew)
	for n, seenTS := range ns.seen {
		if seenTS.Before(horizon) {
			delete(ns.seen, n)
		}
	}

	if _, replayed := ns.seen[nonce]; replayed {
		return ErrAuthFailed
	}
	ns.seen[nonce] = ts
	return nil
}

// Forget drops all nonce state for a device. Called on revocation so the
// map does not retain dead devices.
func (v *Verifier) Forget(deviceID string) {
	v.mu.Lock()
	delete(v.devices, deviceID)
	v.mu.Unlock()
}

func (v *Verifier) set(deviceID string) *nonceSet {
	v.mu.RLock()
	ns, ok := v.devices[deviceID]
	v.mu.RUnlock()
	if ok {
		return ns
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if ns, ok = v.devices[deviceID]; ok {
		return ns
	}
	ns = &nonceSet{seen: make(map[string]time.Time)}
	v.devices[deviceID] = ns
	return ns
}
