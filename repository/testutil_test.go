package repository

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"ledgerchat/address"
	"ledgerchat/crypto"
	"ledgerchat/ledger/ledgertest"
)

var testProgramID = address.MustParse("ChatProgram11111111111111111111111111111111")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWallet(t *testing.T, seed byte) *crypto.Wallet {
	t.Helper()
	wallet, err := crypto.WalletFromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("WalletFromSeed failed: %v", err)
	}
	return wallet
}

type fixture struct {
	ledger *ledgertest.Ledger
	clock  *testClock
}

func newFixture() *fixture {
	clock := newTestClock()
	l := ledgertest.New(testProgramID)
	l.Now = clock.Now
	return &fixture{ledger: l, clock: clock}
}

func (f *fixture) repo(t *testing.T, wallet *crypto.Wallet, opts ...func(*Options)) *Repository {
	t.Helper()
	o := Options{
		Gateway:   f.ledger,
		Wallet:    wallet,
		ProgramID: testProgramID,
		Now:       f.clock.Now,
		Logger:    zaptest.NewLogger(t).Sugar(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	repo, err := New(o)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return repo
}
