package ledger

import (
	"crypto/ed25519"
	"testing"

	"ledgerchat/address"
)

type testSigner struct {
	priv ed25519.PrivateKey
}

func newTestSigner(t *testing.T, seed byte) *testSigner {
	t.Helper()
	raw := make([]byte, ed25519.SeedSize)
	for i := range raw {
		raw[i] = seed
	}
	return &testSigner{priv: ed25519.NewKeyFromSeed(raw)}
}

func (s *testSigner) PublicKey() address.PublicKey {
	var key address.PublicKey
	copy(key[:], s.priv.Public().(ed25519.PublicKey))
	return key
}

func (s *testSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func fill(b byte) address.PublicKey {
	var key address.PublicKey
	for i := range key {
		key[i] = b
	}
	return key
}
