package noise

import (
	"errors"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestIdentitySetAndClear(t *testing.T) {
	var id Identity
	if _, _, ok := id.Keys(); ok {
		t.Fatalf("fresh identity should be unset")
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id.SetPrivateKey(priv)
	gotPriv, gotPub, ok := id.Keys()
	if !ok {
		t.Fatalf("identity should be set")
	}
	if gotPriv != priv || gotPub != priv.PublicKey() {
		t.Fatalf("key pair mismatch")
	}
	if !id.Matches(priv.PublicKey()) {
		t.Fatalf("Matches should accept own public key")
	}

	id.SetPrivateKey(wgtypes.Key{})
	if _, _, ok := id.Keys(); ok {
		t.Fatalf("zero key should clear identity")
	}
	if id.Matches(priv.PublicKey()) {
		t.Fatalf("cleared identity should match nothing")
	}
}

func TestSharedSecretSymmetry(t *testing.T) {
	a, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ab, err := SharedSecret(a, b.PublicKey())
	if err != nil {
		t.Fatalf("shared secret a->b: %v", err)
	}
	ba, err := SharedSecret(b, a.PublicKey())
	if err != nil {
		t.Fatalf("shared secret b->a: %v", err)
	}
	if ab != ba {
		t.Fatalf("shared secrets differ")
	}
}

func TestSharedSecretRejectsLowOrderPoint(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	// The zero point is low order; X25519 yields the degenerate secret.
	if _, err := SharedSecret(priv, wgtypes.Key{}); !errors.Is(err, ErrBadSharedSecret) {
		t.Fatalf("expected ErrBadSharedSecret, got %v", err)
	}
}

func TestCookieCheckerChangesWithIdentity(t *testing.T) {
	var cc CookieChecker
	k1, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	k2, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cc.Precompute(k1.PublicKey())
	mac1a, cookieA := cc.Keys()
	cc.Precompute(k2.PublicKey())
	mac1b, cookieB := cc.Keys()

	if mac1a == mac1b || cookieA == cookieB {
		t.Fatalf("derived keys did not change with identity")
	}
	if mac1a == cookieA {
		t.Fatalf("labels must separate mac1 and cookie keys")
	}
}
