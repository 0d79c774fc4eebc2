package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"ledgerchat/address"
	"ledgerchat/crypto"
	"ledgerchat/ledger"
	"ledgerchat/ledger/ledgertest"
	"ledgerchat/models"
	"ledgerchat/presence"
	"ledgerchat/repository"
)

var testProgramID = address.MustParse("ChatProgram11111111111111111111111111111111")

type harness struct {
	mu     sync.Mutex
	now    time.Time
	ledger *ledgertest.Ledger
	alice  *crypto.Wallet
	bob    *crypto.Wallet
	repo   *repository.Repository
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.UnixMilli(1_700_000_000_000)}
	h.ledger = ledgertest.New(testProgramID)
	h.ledger.Now = h.clock

	var err error
	if h.alice, err = crypto.WalletFromSeed(bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("WalletFromSeed failed: %v", err)
	}
	if h.bob, err = crypto.WalletFromSeed(bytes.Repeat([]byte{2}, 32)); err != nil {
		t.Fatalf("WalletFromSeed failed: %v", err)
	}
	h.repo, err = repository.New(repository.Options{
		Gateway:   h.ledger,
		Wallet:    h.alice,
		ProgramID: testProgramID,
		Now:       h.clock,
		Logger:    zaptest.NewLogger(t).Sugar(),
	})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	return h
}

func (h *harness) list(t *testing.T) []models.Message {
	t.Helper()
	messages, err := h.repo.ListMessages(context.Background(), h.alice.PublicKey(), "")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	return messages
}

func TestSendSuccessTransitionsAndHooks(t *testing.T) {
	h := newHarness(t)
	tracker := presence.NewTracker(presence.Options{})

	var states []State
	var order []string
	p := New(Options{
		Sender:   h.repo,
		Presence: tracker,
		OnTransition: func(a Attempt) {
			states = append(states, a.State)
			if a.State == StateConfirmed {
				order = append(order, "confirmed")
			}
		},
		AfterConfirm: func(context.Context) { order = append(order, "refresh") },
		Logger:       zaptest.NewLogger(t).Sugar(),
	})

	attempt, err := p.Send(context.Background(), models.DirectTarget(h.bob.PublicKey()), "hi", false)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if attempt.State != StateConfirmed || attempt.Signature.IsZero() || attempt.ID == "" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	want := []State{StateComposing, StateSubmitting, StateConfirmed}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, states)
		}
	}
	if len(order) != 2 || order[0] != "confirmed" || order[1] != "refresh" {
		t.Fatalf("refresh must follow confirmation, got %v", order)
	}
	if !tracker.IsOnline(h.alice.PublicKey()) {
		t.Fatalf("sender must be marked online")
	}
	if len(p.Pending()) != 0 {
		t.Fatalf("no pending entries expected")
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	refreshes := 0
	p := New(Options{
		Sender:       h.repo,
		AfterConfirm: func(context.Context) { refreshes++ },
		Now:          h.clock,
	})

	h.ledger.FailNext(1, nil)
	attempt, err := p.Send(context.Background(), models.DirectTarget(h.bob.PublicKey()), "hi", false)
	var subErr *ledger.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if attempt.State != StateFailed {
		t.Fatalf("expected failed attempt, got %s", attempt.State)
	}
	if len(h.list(t)) != 0 {
		t.Fatalf("failed send must not be listed")
	}

	pending := p.Pending()
	if len(pending) != 1 || pending[0].Fingerprint != attempt.Fingerprint {
		t.Fatalf("expected one pending entry keyed by %q, got %+v", attempt.Fingerprint, pending)
	}
	wantPrefix := "hi_" + h.bob.PublicKey().String()[:5] + "_"
	if !strings.HasPrefix(attempt.Fingerprint, wantPrefix) {
		t.Fatalf("fingerprint %q does not start with %q", attempt.Fingerprint, wantPrefix)
	}
	if pending[0].Error == "" || pending[0].Attempts != 1 {
		t.Fatalf("entry must record the failure, got %+v", pending[0])
	}

	h.advance(time.Second)
	retried, err := p.Retry(context.Background(), attempt.Fingerprint)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.State != StateConfirmed || retried.Fingerprint != attempt.Fingerprint {
		t.Fatalf("unexpected retry attempt %+v", retried)
	}
	if len(p.Pending()) != 0 {
		t.Fatalf("successful retry must remove the entry")
	}
	if refreshes != 1 {
		t.Fatalf("expected one refresh after the retry, got %d", refreshes)
	}

	messages := h.list(t)
	if len(messages) != 1 || messages[0].Content != "hi" || messages[0].Timestamp != retried.Message.Timestamp {
		t.Fatalf("retried message must be visible, got %+v", messages)
	}
}

func TestRetryFailureKeepsEntry(t *testing.T) {
	h := newHarness(t)
	p := New(Options{Sender: h.repo, Now: h.clock})

	h.ledger.FailNext(2, nil)
	attempt, _ := p.Send(context.Background(), models.DirectTarget(h.bob.PublicKey()), "again", false)

	h.advance(time.Second)
	if _, err := p.Retry(context.Background(), attempt.Fingerprint); err == nil {
		t.Fatalf("expected retry to fail")
	}
	pending := p.Pending()
	if len(pending) != 1 || pending[0].Fingerprint != attempt.Fingerprint {
		t.Fatalf("entry must keep its fingerprint, got %+v", pending)
	}
	if pending[0].Attempts != 2 || pending[0].Retrying || !pending[0].FailedAt.Equal(h.clock()) {
		t.Fatalf("entry must record the second failure, got %+v", pending[0])
	}
}

func TestValidationErrorsCreateNoEntry(t *testing.T) {
	h := newHarness(t)
	p := New(Options{Sender: h.repo})

	_, err := p.Send(context.Background(), models.DirectTarget(h.bob.PublicKey()), "", false)
	if !errors.Is(err, repository.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(p.Pending()) != 0 {
		t.Fatalf("validation failure must not create an entry")
	}
}

func TestFingerprintsAreUnique(t *testing.T) {
	h := newHarness(t)
	p := New(Options{Sender: h.repo})

	h.ledger.FailNext(2, nil)
	first, _ := p.Send(context.Background(), models.DirectTarget(h.bob.PublicKey()), "same text here", false)
	second, _ := p.Send(context.Background(), models.DirectTarget(h.bob.PublicKey()), "same text here", false)

	if first.Fingerprint == second.Fingerprint {
		t.Fatalf("fingerprints must differ, both %q", first.Fingerprint)
	}
	if !strings.HasPrefix(first.Fingerprint, "same text _") {
		t.Fatalf("content prefix must be 10 runes, got %q", first.Fingerprint)
	}
	if len(p.Pending()) != 2 {
		t.Fatalf("expected two pending entries")
	}
}

func TestDismissAndUnknownFingerprint(t *testing.T) {
	h := newHarness(t)
	p := New(Options{Sender: h.repo})

	if _, err := p.Retry(context.Background(), "nope"); !errors.Is(err, ErrUnknownFingerprint) {
		t.Fatalf("expected ErrUnknownFingerprint, got %v", err)
	}
	if err := p.Dismiss("nope"); !errors.Is(err, ErrUnknownFingerprint) {
		t.Fatalf("expected ErrUnknownFingerprint, got %v", err)
	}

	h.ledger.FailNext(1, nil)
	attempt, _ := p.Send(context.Background(), models.DirectTarget(h.bob.PublicKey()), "bye", false)
	if err := p.Dismiss(attempt.Fingerprint); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if len(p.Pending()) != 0 {
		t.Fatalf("dismissed entry must be gone")
	}
}

// blockingSender holds every submission until its context ends or release closes.
type blockingSender struct {
	identity address.PublicKey
	started  chan struct{}
	release  chan struct{}
}

func (s *blockingSender) Identity() address.PublicKey { return s.identity }

func (s *blockingSender) SendMessage(ctx context.Context, _ models.Target, _ string, _ bool) (ledger.Signature, models.Message, error) {
	s.started <- struct{}{}
	select {
	case <-ctx.Done():
		return ledger.Signature{}, models.Message{}, &ledger.SubmissionError{Op: "confirm", Err: ctx.Err()}
	case <-s.release:
		return ledger.Signature{}, models.Message{}, &ledger.SubmissionError{Op: "send", Err: errors.New("rejected")}
	}
}

func TestSubmitTimeout(t *testing.T) {
	sender := &blockingSender{started: make(chan struct{}, 1), release: make(chan struct{})}
	p := New(Options{Sender: sender, SubmitTimeout: 20 * time.Millisecond})

	var target address.PublicKey
	target[0] = 9
	_, err := p.Send(context.Background(), models.DirectTarget(target), "slow", false)
	if !errors.Is(err, ErrSubmitTimeout) {
		t.Fatalf("expected ErrSubmitTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
	if len(p.Pending()) != 1 {
		t.Fatalf("timed out send must become a pending entry")
	}
}

func TestConcurrentRetryRejected(t *testing.T) {
	sender := &blockingSender{started: make(chan struct{}, 2), release: make(chan struct{})}
	p := New(Options{Sender: sender})

	var target address.PublicKey
	target[0] = 9
	close(sender.release)
	attempt, _ := p.Send(context.Background(), models.DirectTarget(target), "x", false)
	<-sender.started

	sender.release = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := p.Retry(context.Background(), attempt.Fingerprint)
		done <- err
	}()
	<-sender.started

	if _, err := p.Retry(context.Background(), attempt.Fingerprint); !errors.Is(err, ErrRetryInProgress) {
		t.Fatalf("expected ErrRetryInProgress, got %v", err)
	}
	close(sender.release)
	if err := <-done; err == nil {
		t.Fatalf("expected the first retry to fail")
	}
	if pending := p.Pending(); len(pending) != 1 || pending[0].Retrying {
		t.Fatalf("entry must be idle again, got %+v", pending)
	}
}
