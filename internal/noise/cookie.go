package noise

import (
	"sync"

	"golang.org/x/crypto/blake2s"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	labelMAC1   = "mac1----"
	labelCookie = "cookie--"
)

// CookieChecker holds the handshake-cookie key material derived from the
// device public key. Recomputed whenever the device identity changes.
type CookieChecker struct {
	mu        sync.RWMutex
	mac1Key   [blake2s.Size]byte
	cookieKey [blake2s.Size]byte
}

// Precompute refreshes the derived keys for the given device public key.
func (cc *CookieChecker) Precompute(devicePublic wgtypes.Key) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.mac1Key = deriveKey(labelMAC1, devicePublic)
	cc.cookieKey = deriveKey(labelCookie, devicePublic)
}

// Keys returns the current derived keys.
func (cc *CookieChecker) Keys() (mac1, cookie [blake2s.Size]byte) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.mac1Key, cc.cookieKey
}

func deriveKey(label string, pub wgtypes.Key) [blake2s.Size]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(label))
	h.Write(pub[:])
	var out [blake2s.Size]byte
	h.Sum(out[:0])
	return out
}
