// Package noise owns the device's static identity and the precomputed key
// material derived from it.
package noise

import (
	"errors"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var ErrBadSharedSecret = errors.New("noise: degenerate shared secret")

// Identity is the device static key pair. It carries its own read/write lock
// so the data path can read keys without holding the device update lock.
type Identity struct {
	mu      sync.RWMutex
	has     bool
	private wgtypes.Key
	public  wgtypes.Key
}

// SetPrivateKey installs a new private key and derives its public key. The
// zero key clears the identity.
func (id *Identity) SetPrivateKey(priv wgtypes.Key) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if priv == (wgtypes.Key{}) {
		id.has = false
		id.private = wgtypes.Key{}
		id.public = wgtypes.Key{}
		return
	}
	id.has = true
	id.private = priv
	id.public = priv.PublicKey()
}

// Keys returns the key pair. ok is false when no identity is configured.
func (id *Identity) Keys() (priv, pub wgtypes.Key, ok bool) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.private, id.public, id.has
}

// PublicKey returns the configured public key.
func (id *Identity) PublicKey() (wgtypes.Key, bool) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.public, id.has
}

// Matches reports whether pub equals the configured public key.
func (id *Identity) Matches(pub wgtypes.Key) bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.has && id.public == pub
}

// SharedSecret computes the static-static Diffie-Hellman secret between the
// device private key and a peer public key. A degenerate (all-zero) result
// is an error; peers producing one are invalid.
func SharedSecret(priv, peerPublic wgtypes.Key) ([32]byte, error) {
	var ss [32]byte
	out, err := curve25519.X25519(priv[:], peerPublic[:])
	if err != nil {
		return ss, ErrBadSharedSecret
	}
	copy(ss[:], out)
	return ss, nil
}
