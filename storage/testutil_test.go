package storage

import (
	"testing"

	"ledgerchat/address"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testKey(b byte) address.PublicKey {
	var k address.PublicKey
	k[0] = b
	k[31] = 0x7f
	return k
}
