// Package presence keeps a process-local record of identities seen active.
// It is advisory and never persisted.
package presence

import (
	"sort"
	"sync"
	"time"

	"ledgerchat/address"
)

type Options struct {
	// TTL is how long an identity stays online after its last mark.
	// Zero keeps identities online until Forget.
	TTL time.Duration
	Now func() time.Time
}

type Tracker struct {
	mu       sync.RWMutex
	lastSeen map[address.PublicKey]time.Time
	ttl      time.Duration
	now      func() time.Time
}

func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		lastSeen: make(map[address.PublicKey]time.Time),
		ttl:      opts.TTL,
		now:      opts.Now,
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *Tracker) MarkOnline(identity address.PublicKey) {
	if identity.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[identity] = t.now()
}

func (t *Tracker) IsOnline(identity address.PublicKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen, ok := t.lastSeen[identity]
	return ok && t.fresh(seen, t.now())
}

// LastSeen returns the most recent mark, expired or not.
func (t *Tracker) LastSeen(identity address.PublicKey) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen, ok := t.lastSeen[identity]
	return seen, ok
}

// Online lists identities currently considered online, ordered by key bytes.
func (t *Tracker) Online() []address.PublicKey {
	t.mu.RLock()
	now := t.now()
	out := make([]address.PublicKey, 0, len(t.lastSeen))
	for identity, seen := range t.lastSeen {
		if t.fresh(seen, now) {
			out = append(out, identity)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (t *Tracker) Forget(identity address.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, identity)
}

// Prune drops expired entries and returns how many were removed.
func (t *Tracker) Prune() int {
	if t.ttl <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	removed := 0
	for identity, seen := range t.lastSeen {
		if !t.fresh(seen, now) {
			delete(t.lastSeen, identity)
			removed++
		}
	}
	return removed
}

func (t *Tracker) fresh(seen, now time.Time) bool {
	return t.ttl <= 0 || now.Sub(seen) < t.ttl
}
