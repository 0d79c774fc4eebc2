package presence

import (
	"testing"
	"time"

	"ledgerchat/address"
)

func identity(b byte) address.PublicKey {
	var k address.PublicKey
	k[0] = b
	return k
}

func TestMarkOnlineWithoutTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := NewTracker(Options{Now: func() time.Time { return now }})

	if tracker.IsOnline(identity(1)) {
		t.Fatalf("unknown identity must be offline")
	}
	tracker.MarkOnline(identity(2))
	tracker.MarkOnline(identity(1))
	tracker.MarkOnline(address.PublicKey{})

	now = now.Add(365 * 24 * time.Hour)
	if !tracker.IsOnline(identity(1)) {
		t.Fatalf("identities never expire without a TTL")
	}
	online := tracker.Online()
	if len(online) != 2 || online[0] != identity(1) || online[1] != identity(2) {
		t.Fatalf("unexpected online set %v", online)
	}
	if tracker.Prune() != 0 {
		t.Fatalf("prune without TTL must be a no-op")
	}

	tracker.Forget(identity(1))
	if tracker.IsOnline(identity(1)) {
		t.Fatalf("forgotten identity must be offline")
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := NewTracker(Options{TTL: time.Minute, Now: func() time.Time { return now }})

	tracker.MarkOnline(identity(1))
	now = now.Add(30 * time.Second)
	tracker.MarkOnline(identity(2))
	now = now.Add(45 * time.Second)

	if tracker.IsOnline(identity(1)) {
		t.Fatalf("identity 1 should have expired")
	}
	if !tracker.IsOnline(identity(2)) {
		t.Fatalf("identity 2 should still be online")
	}
	if seen, ok := tracker.LastSeen(identity(1)); !ok || !seen.Equal(time.Unix(1000, 0)) {
		t.Fatalf("LastSeen must survive expiry, got %v %v", seen, ok)
	}

	if removed := tracker.Prune(); removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if _, ok := tracker.LastSeen(identity(1)); ok {
		t.Fatalf("pruned identity must be gone")
	}
}
